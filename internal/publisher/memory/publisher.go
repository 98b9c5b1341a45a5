// Package memory contains an in-process jobs.Notifier used when no Pub/Sub
// topic is configured, and in tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

const defaultCapacity = 1024

// Publisher keeps the most recent notifications in a bounded ring so a
// long-running node without Pub/Sub does not grow without limit.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	next     int
	total    int
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a Publisher retaining up to capacity messages (1024 when <= 0).
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Publisher{messages: make([]PublishedMessage, 0, capacity)}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := PublishedMessage{Topic: topic, Payload: payload}
	if len(p.messages) < cap(p.messages) {
		p.messages = append(p.messages, msg)
	} else {
		p.messages[p.next] = msg
		p.next = (p.next + 1) % len(p.messages)
	}
	p.total++
	return fmt.Sprintf("memory-%d", p.total), nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, 0, len(p.messages))
	out = append(out, p.messages[p.next:]...)
	out = append(out, p.messages[:p.next]...)
	return out
}

// Total reports how many messages were ever published.
func (p *Publisher) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}
