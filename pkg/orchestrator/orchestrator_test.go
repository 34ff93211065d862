package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewarden/pipewarden/pkg/checkpoint"
	"github.com/pipewarden/pipewarden/pkg/preflight"
	"github.com/pipewarden/pipewarden/pkg/queue"
	"github.com/pipewarden/pipewarden/pkg/registry"
)

const testRegistry = `
pipelines:
  - name: books
    mode: distributed
    command: ["python3", "scrape_books.py"]
  - name: authors
    mode: single
    command: ["python3", "scrape_authors.py"]
    run_id_env: SCRAPER_RUN
    resume_flag: --continue
`

func loadTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Parse([]byte(testRegistry))
	require.NoError(t, err)
	return r
}

// fakeQueue records calls and serves canned responses.
type fakeQueue struct {
	enqueued   []queue.EnqueueRequest
	enqueueErr error
	stats      queue.Stats
	statsErr   error
	released   int
	lease      time.Duration
}

func (f *fakeQueue) Enqueue(_ context.Context, req queue.EnqueueRequest) (int, error) {
	if f.enqueueErr != nil {
		return 0, f.enqueueErr
	}
	f.enqueued = append(f.enqueued, req)
	return len(req.URLs), nil
}

func (f *fakeQueue) ClaimBatch(_ context.Context, _ queue.ClaimRequest) ([]queue.WorkItem, error) {
	return nil, nil
}

func (f *fakeQueue) Complete(_ context.Context, _ int64, _ bool, _ string) error {
	return nil
}

func (f *fakeQueue) ReleaseExpiredLeases(_ context.Context, lease time.Duration) (int, error) {
	f.lease = lease
	return f.released, nil
}

func (f *fakeQueue) Stats(_ context.Context, _, _ string) (queue.Stats, error) {
	return f.stats, f.statsErr
}

func (f *fakeQueue) HealthCheck(_ context.Context) error { return nil }
func (f *fakeQueue) Close() error                        { return nil }

// fakeLauncher records the launch spec instead of spawning a process.
type fakeLauncher struct {
	spec LaunchSpec
	pid  int
	err  error
}

func (f *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (int, error) {
	f.spec = spec
	if f.err != nil {
		return 0, f.err
	}
	return f.pid, nil
}

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithCheckpointDir(t.TempDir()),
		WithRunIDGenerator(func() string { return "run-test" }),
	}
	return New(loadTestRegistry(t), append(base, opts...)...)
}

func markResumable(t *testing.T, dir, name string) {
	t.Helper()
	store, err := checkpoint.New(dir, name)
	require.NoError(t, err)
	store.MarkResumable()
}

func TestStartUnknownPipeline(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.Start(context.Background(), "missing", StartOptions{})

	require.Error(t, err)
	assert.True(t, IsConfig(err))
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Message, "unknown pipeline")
}

func TestStartSingleMode(t *testing.T) {
	launcher := &fakeLauncher{pid: 4242}
	o := newTestOrchestrator(t, WithLauncher(launcher))

	result, err := o.Start(context.Background(), "authors", StartOptions{})

	require.NoError(t, err)
	assert.Equal(t, StatusStarted, result.Status)
	assert.Equal(t, 4242, result.PID)
	assert.Equal(t, "run-test", result.RunID)
	assert.Equal(t, []string{"python3", "scrape_authors.py"}, launcher.spec.Command)
	assert.Contains(t, launcher.spec.Env, "SCRAPER_RUN=run-test")
}

func TestStartSingleModeLaunchFailure(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("no such file")}
	o := newTestOrchestrator(t, WithLauncher(launcher))

	result, err := o.Start(context.Background(), "authors", StartOptions{})

	require.Error(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Message, "failed to launch")
}

func TestStartDistributedEnqueues(t *testing.T) {
	q := &fakeQueue{stats: queue.Stats{Pending: 3, Total: 3, Remaining: 3}}
	o := newTestOrchestrator(t, WithQueue(q))

	result, err := o.Start(context.Background(), "books", StartOptions{
		URLs:     []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"},
		Priority: 2,
	})

	require.NoError(t, err)
	assert.Equal(t, StatusQueued, result.Status)
	assert.Equal(t, 3, result.EnqueuedCount)
	require.NotNil(t, result.Stats)
	assert.Equal(t, 3, result.Stats.Remaining)
	assert.Contains(t, result.WorkerCommand, "--pipeline books")
	assert.Contains(t, result.WorkerCommand, "--run-id run-test")

	require.Len(t, q.enqueued, 1)
	assert.Equal(t, "run-test", q.enqueued[0].RunID)
	assert.Equal(t, 2, q.enqueued[0].Priority)
	assert.Equal(t, 3, q.enqueued[0].MaxRetries)
}

func TestStartDistributedWithoutURLs(t *testing.T) {
	o := newTestOrchestrator(t, WithQueue(&fakeQueue{}))

	result, err := o.Start(context.Background(), "books", StartOptions{})

	require.Error(t, err)
	assert.True(t, IsConfig(err))
	assert.Equal(t, StatusError, result.Status)
}

func TestStartDistributedWithoutQueue(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.Start(context.Background(), "books", StartOptions{
		URLs: []string{"https://example.com/1"},
	})

	require.Error(t, err)
	assert.True(t, IsConfig(err))
	assert.Equal(t, StatusError, result.Status)
}

func TestStartDistributedEnqueueFailureIsTransient(t *testing.T) {
	q := &fakeQueue{enqueueErr: errors.New("database is locked")}
	o := newTestOrchestrator(t, WithQueue(q))

	result, err := o.Start(context.Background(), "books", StartOptions{
		URLs: []string{"https://example.com/1"},
	})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, StatusError, result.Status)
}

func TestPreflightBlocksRun(t *testing.T) {
	gate := preflight.NewGate(preflight.DefaultConfig(), preflight.Probes{
		PingDatastore: func(_ context.Context) error {
			return errors.New("connection refused")
		},
	}, nil)
	o := newTestOrchestrator(t,
		WithLauncher(&fakeLauncher{pid: 1}),
		WithGateBuilder(func(_ registry.PipelineConfig) *preflight.Gate { return gate }),
	)

	result, err := o.Start(context.Background(), "authors", StartOptions{})

	require.Error(t, err)
	assert.True(t, IsBlocked(err))
	assert.Equal(t, StatusBlocked, result.Status)
	assert.NotEmpty(t, result.Preflight)
}

func TestPreflightSkipped(t *testing.T) {
	gate := preflight.NewGate(preflight.DefaultConfig(), preflight.Probes{
		PingDatastore: func(_ context.Context) error {
			return errors.New("connection refused")
		},
	}, nil)
	o := newTestOrchestrator(t,
		WithLauncher(&fakeLauncher{pid: 1}),
		WithGateBuilder(func(_ registry.PipelineConfig) *preflight.Gate { return gate }),
	)

	result, err := o.Start(context.Background(), "authors", StartOptions{SkipPreflight: true})

	require.NoError(t, err)
	assert.Equal(t, StatusStarted, result.Status)
}

func TestResumeReusesRunID(t *testing.T) {
	q := &fakeQueue{}
	dir := t.TempDir()
	o := newTestOrchestrator(t, WithQueue(q), WithCheckpointDir(dir))

	first, err := o.Start(context.Background(), "books", StartOptions{
		URLs: []string{"https://example.com/1"},
	})
	require.NoError(t, err)

	// Simulate an interrupted run, then resume without new URLs.
	markResumable(t, dir, "books")

	resumed, err := o.Start(context.Background(), "books", StartOptions{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, resumed.RunID)
	assert.Equal(t, StatusQueued, resumed.Status)
	assert.Zero(t, resumed.EnqueuedCount)
}

func TestFreshStartGetsNewRunID(t *testing.T) {
	ids := []string{"run-a", "run-b"}
	o := newTestOrchestrator(t,
		WithQueue(&fakeQueue{}),
		WithRunIDGenerator(func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		}),
	)

	first, err := o.Start(context.Background(), "books", StartOptions{
		URLs: []string{"https://example.com/1"},
	})
	require.NoError(t, err)

	second, err := o.Start(context.Background(), "books", StartOptions{
		URLs: []string{"https://example.com/2"},
	})
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestStatsDistributedOnly(t *testing.T) {
	o := newTestOrchestrator(t, WithQueue(&fakeQueue{}))

	_, err := o.Stats(context.Background(), "authors", "run-test")

	require.Error(t, err)
	assert.True(t, IsConfig(err))
}

func TestStatsFallsBackToCheckpointRun(t *testing.T) {
	q := &fakeQueue{stats: queue.Stats{Completed: 5, Total: 5}}
	dir := t.TempDir()
	o := newTestOrchestrator(t, WithQueue(q), WithCheckpointDir(dir))

	_, err := o.Start(context.Background(), "books", StartOptions{
		URLs: []string{"https://example.com/1"},
	})
	require.NoError(t, err)

	stats, err := o.Stats(context.Background(), "books", "")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Completed)
}

func TestSweepUsesConfiguredLease(t *testing.T) {
	q := &fakeQueue{released: 2}
	o := newTestOrchestrator(t, WithQueue(q))

	released, err := o.Sweep(context.Background(), "books")

	require.NoError(t, err)
	assert.Equal(t, 2, released)
	assert.Equal(t, time.Duration(registry.DefaultLeaseSeconds)*time.Second, q.lease)
}

func TestSweepSingleModeIsNoop(t *testing.T) {
	o := newTestOrchestrator(t, WithQueue(&fakeQueue{released: 9}))

	released, err := o.Sweep(context.Background(), "authors")

	require.NoError(t, err)
	assert.Zero(t, released)
}
