package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/upload-progress/internal/jobs"
)

func TestSimulatedReportsEveryStep(t *testing.T) {
	t.Parallel()

	proc := NewSimulated(Config{Steps: 4, StepDelay: time.Millisecond}, nil)
	var got []int
	err := proc.Process(context.Background(), jobs.QueueItem{JobID: "job-1", Payload: "example.txt"}, func(p int) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{25, 50, 75, 100}, got)
}

func TestSimulatedDefaultsToTenSteps(t *testing.T) {
	t.Parallel()

	proc := NewSimulated(Config{}, nil)
	var got []int
	require.NoError(t, proc.Process(context.Background(), jobs.QueueItem{Payload: "x"}, func(p int) error {
		got = append(got, p)
		return nil
	}))
	require.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, got)
}

func TestSimulatedRejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	err := NewSimulated(Config{Steps: 1}, nil).Process(context.Background(), jobs.QueueItem{Payload: "  "}, func(int) error {
		t.Fatal("report must not be called")
		return nil
	})
	require.ErrorIs(t, err, ErrEmptyPayload)
}

func TestSimulatedStopsOnCancel(t *testing.T) {
	t.Parallel()

	proc := NewSimulated(Config{Steps: 10, StepDelay: time.Hour}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := proc.Process(ctx, jobs.QueueItem{Payload: "x"}, func(int) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulatedPropagatesReportError(t *testing.T) {
	t.Parallel()

	proc := NewSimulated(Config{Steps: 3}, nil)
	calls := 0
	err := proc.Process(context.Background(), jobs.QueueItem{Payload: "x"}, func(int) error {
		calls++
		return jobs.ErrInvalidProgress
	})
	require.True(t, errors.Is(err, jobs.ErrInvalidProgress))
	require.Equal(t, 1, calls)
}
