// Package sinks implements events.Sink consumers: structured logging,
// Prometheus job metrics and terminal-job notifications.
package sinks
