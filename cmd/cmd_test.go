package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-progress/internal/config"
	"github.com/JakeFAU/upload-progress/internal/jobs"
	"github.com/JakeFAU/upload-progress/internal/progress"
	"github.com/JakeFAU/upload-progress/internal/storage/memory"
)

type fakeApp struct {
	store    *memory.ProgressStore
	registry *progress.Registry

	queueBackend string

	submitted  []string
	ranServer  bool
	ranWorkers bool
	closed     int
}

func newFakeApp() *fakeApp {
	store := memory.NewProgressStore(nil)
	return &fakeApp{
		store:        store,
		queueBackend: config.BackendRedis,
		registry:     progress.NewRegistry(store, progress.Options{Interval: 2 * time.Millisecond}, nil),
	}
}

func (f *fakeApp) RunServer(context.Context) error  { f.ranServer = true; return nil }
func (f *fakeApp) RunWorkers(context.Context) error { f.ranWorkers = true; return nil }
func (f *fakeApp) Logger() *zap.Logger              { return zap.NewNop() }
func (f *fakeApp) QueueBackend() string             { return f.queueBackend }

func (f *fakeApp) Submit(_ context.Context, queue, payload string) (string, error) {
	if queue != "default" {
		return "", jobs.ErrQueueUnavailable
	}
	f.submitted = append(f.submitted, payload)
	return "job-1", nil
}

func (f *fakeApp) Subscribe(ctx context.Context, jobID string) (*progress.Subscription, error) {
	return f.registry.Subscribe(ctx, jobID)
}

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	f.registry.Close()
	return nil
}

// run executes the root command against app. Commands share the package-level
// factory, so these tests do not run in parallel.
func run(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, *config.Config) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := execute(root)
	return out.String(), err
}

func TestEnqueuePrintsJobID(t *testing.T) {
	app := newFakeApp()
	out, err := run(t, app, "enqueue", "default", "example.txt")

	require.NoError(t, err)
	require.Equal(t, "job-1\n", out)
	require.Equal(t, []string{"example.txt"}, app.submitted)
	require.Equal(t, 1, app.closed)
}

func TestEnqueueUnknownQueue(t *testing.T) {
	app := newFakeApp()
	_, err := run(t, app, "enqueue", "missing", "example.txt")

	require.ErrorIs(t, err, jobs.ErrQueueUnavailable)
}

func TestEnqueueRejectsInProcessQueue(t *testing.T) {
	app := newFakeApp()
	app.queueBackend = config.BackendMemory
	out, err := run(t, app, "enqueue", "default", "example.txt")

	require.ErrorIs(t, err, errInProcessQueue)
	require.Empty(t, app.submitted)
	require.NotContains(t, out, "job-1")
	require.Equal(t, 1, app.closed)
}

func TestEnqueueRequiresTwoArgs(t *testing.T) {
	_, err := run(t, newFakeApp(), "enqueue", "default")
	require.Error(t, err)
}

func TestWatchSucceededJob(t *testing.T) {
	app := newFakeApp()
	require.NoError(t, app.store.Set(context.Background(), "job-1", jobs.Progress{
		Status:  jobs.StatusSucceeded,
		Percent: 100,
	}))

	out, err := run(t, app, "watch", "job-1")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var upd progress.Update
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &upd))
	require.Equal(t, progress.KindSucceeded, upd.Kind)
	require.Equal(t, 100, upd.Percent)
}

func TestWatchUnknownJobFails(t *testing.T) {
	out, err := run(t, newFakeApp(), "watch", "does-not-exist")

	require.ErrorIs(t, err, errJobUnsuccessful)
	require.Contains(t, out, `"kind":"not_found"`)
}

func TestFailedCommandStillClosesApp(t *testing.T) {
	app := newFakeApp()
	_, err := run(t, app, "enqueue", "missing", "example.txt")

	require.Error(t, err)
	require.Equal(t, 1, app.closed)
}

func TestWatchTimeout(t *testing.T) {
	app := newFakeApp()
	require.NoError(t, app.store.Set(context.Background(), "job-1", jobs.Progress{Status: jobs.StatusRunning, Percent: 10}))

	_, err := run(t, app, "watch", "job-1", "--timeout", "30ms")
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestServeAndWorkerCommands(t *testing.T) {
	app := newFakeApp()
	_, err := run(t, app, "serve")
	require.NoError(t, err)
	require.True(t, app.ranServer)

	app = newFakeApp()
	_, err = run(t, app, "worker")
	require.NoError(t, err)
	require.True(t, app.ranWorkers)
}
