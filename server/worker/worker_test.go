package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/josongmin/semantica-task-engine/server/datastore/sqlite"
	"github.com/josongmin/semantica-task-engine/server/executor"
	"github.com/josongmin/semantica-task-engine/server/semantica"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poolEnv struct {
	ds       *sqlite.Datastore
	mock     *clock.MockClock
	registry *executor.Registry
	probe    *fakeProbe
	pool     *Pool
}

func newPoolEnv(t *testing.T) *poolEnv {
	t.Helper()
	mock := clock.NewMockClock()
	ds, err := sqlite.New(
		filepath.Join(t.TempDir(), "meta.db"),
		sqlite.WithClock(mock),
		sqlite.WithIDProvider(&semantica.SequentialIDProvider{Prefix: "job-"}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	registry := executor.NewRegistry(log.NewNopLogger(), mock)
	probe := &fakeProbe{idle: true, charging: true}
	pool := NewPool(log.NewNopLogger(), mock, ds, probe, registry, registry,
		NewMetrics(prometheus.NewRegistry()),
		PoolOptions{
			Queues:         []string{"default"},
			SlotsPerQueue:  1,
			CPUThrottlePct: 90,
			DrainTimeout:   time.Second,
			Retry:          RetryPolicy{BaseDelay: time.Second, Jitter: func() float64 { return 1 }},
		})
	return &poolEnv{ds: ds, mock: mock, registry: registry, probe: probe, pool: pool}
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, payload []byte) error
}

func (h *funcHandler) Name() string                                  { return h.name }
func (h *funcHandler) Run(ctx context.Context, payload []byte) error { return h.fn(ctx, payload) }

func (e *poolEnv) enqueueAndPop(t *testing.T, opts semantica.NewJobOptions) *semantica.Job {
	t.Helper()
	ctx := context.Background()
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if opts.Payload == nil {
		opts.Payload = []byte(`{}`)
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffFactor == 0 {
		opts.BackoffFactor = 2
	}
	if opts.ExecutionMode == "" {
		opts.ExecutionMode = semantica.ExecutionModeInProcess
	}
	_, err := e.ds.NewJob(ctx, opts)
	require.NoError(t, err)
	job, err := e.ds.PopNextJob(ctx, opts.Queue)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func (e *poolEnv) jobState(t *testing.T, id string) semantica.JobState {
	t.Helper()
	job, err := e.ds.Job(context.Background(), id)
	require.NoError(t, err)
	return job.State
}

func TestProcessJobSuccess(t *testing.T) {
	env := newPoolEnv(t)
	env.registry.Register(&funcHandler{name: "index_file", fn: func(context.Context, []byte) error {
		return nil
	}})

	job := env.enqueueAndPop(t, semantica.NewJobOptions{JobType: "index_file", SubjectKey: "s1"})
	env.pool.processJob(context.Background(), log.NewNopLogger(), job)

	assert.Equal(t, semantica.JobStateDone, env.jobState(t, job.ID))
}

func TestProcessJobTransientRetriesThenFails(t *testing.T) {
	env := newPoolEnv(t)
	env.registry.Register(&funcHandler{name: "flaky", fn: func(context.Context, []byte) error {
		return semantica.NewTransientExecError(errors.New("backend busy"))
	}})

	job := env.enqueueAndPop(t, semantica.NewJobOptions{
		JobType: "flaky", SubjectKey: "s1", MaxAttempts: 2,
	})
	env.pool.processJob(context.Background(), log.NewNopLogger(), job)

	// First failure: requeued with schedule_at = now + base delay.
	got, err := env.ds.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, semantica.JobStateQueued, got.State)
	assert.Equal(t, int32(1), got.Attempts)
	require.NotNil(t, got.ScheduleAt)
	assert.Equal(t, env.mock.Now().Add(time.Second).UnixMilli(), *got.ScheduleAt)

	// Second failure exhausts max_attempts.
	env.mock.AddTime(2 * time.Second)
	job, err = env.ds.PopNextJob(context.Background(), "default")
	require.NoError(t, err)
	require.NotNil(t, job)
	env.pool.processJob(context.Background(), log.NewNopLogger(), job)

	assert.Equal(t, semantica.JobStateFailed, env.jobState(t, job.ID))
}

func TestProcessJobPermanentFailureNoRetry(t *testing.T) {
	env := newPoolEnv(t)
	env.registry.Register(&funcHandler{name: "broken", fn: func(context.Context, []byte) error {
		return semantica.NewPermanentExecError(errors.New("bad payload"))
	}})

	job := env.enqueueAndPop(t, semantica.NewJobOptions{
		JobType: "broken", SubjectKey: "s1", MaxAttempts: 5,
	})
	env.pool.processJob(context.Background(), log.NewNopLogger(), job)

	assert.Equal(t, semantica.JobStateFailed, env.jobState(t, job.ID))
}

func TestProcessJobPanicIsolated(t *testing.T) {
	env := newPoolEnv(t)
	env.registry.Register(&funcHandler{name: "panics", fn: func(context.Context, []byte) error {
		panic("boom")
	}})

	job := env.enqueueAndPop(t, semantica.NewJobOptions{
		JobType: "panics", SubjectKey: "s1", MaxAttempts: 3,
	})
	require.NotPanics(t, func() {
		env.pool.processJob(context.Background(), log.NewNopLogger(), job)
	})

	// A panic is a permanent failure regardless of remaining attempts.
	assert.Equal(t, semantica.JobStateFailed, env.jobState(t, job.ID))
}

func TestProcessJobConditionRevertKeepsAttempts(t *testing.T) {
	env := newPoolEnv(t)
	env.probe.idle = false

	job := env.enqueueAndPop(t, semantica.NewJobOptions{
		JobType: "index_file", SubjectKey: "s1", WaitForIdle: true, MaxAttempts: 3,
	})
	env.pool.processJob(context.Background(), log.NewNopLogger(), job)

	got, err := env.ds.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, semantica.JobStateQueued, got.State)
	assert.Equal(t, int32(0), got.Attempts)
}

func TestProcessJobExpiredDeadlineSkipsExecutor(t *testing.T) {
	env := newPoolEnv(t)
	executed := false
	env.registry.Register(&funcHandler{name: "late", fn: func(context.Context, []byte) error {
		executed = true
		return nil
	}})

	deadline := env.mock.Now().UnixMilli() + 1000
	job := env.enqueueAndPop(t, semantica.NewJobOptions{
		JobType: "late", SubjectKey: "s1", Deadline: &deadline,
	})
	env.mock.AddTime(2 * time.Second)
	env.pool.processJob(context.Background(), log.NewNopLogger(), job)

	assert.False(t, executed)
	assert.Equal(t, semantica.JobStateSkippedDeadline, env.jobState(t, job.ID))
}

func TestProcessJobDeadlineBreachDuringRun(t *testing.T) {
	env := newPoolEnv(t)
	env.registry.Register(&funcHandler{name: "hangs", fn: func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	deadline := env.mock.Now().Add(50 * time.Millisecond).UnixMilli()
	job := env.enqueueAndPop(t, semantica.NewJobOptions{
		JobType: "hangs", SubjectKey: "s1", Deadline: &deadline, MaxAttempts: 1,
	})
	env.pool.processJob(context.Background(), log.NewNopLogger(), job)

	// One attempt allowed, so the timeout exhausts the budget.
	got, err := env.ds.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, semantica.JobStateFailed, got.State)
	require.NotNil(t, got.ResultSummary)
	assert.Contains(t, *got.ResultSummary, "deadline exceeded")
}

func TestCancelActiveRun(t *testing.T) {
	env := newPoolEnv(t)
	started := make(chan struct{})
	env.registry.Register(&funcHandler{name: "slow", fn: func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})

	job := env.enqueueAndPop(t, semantica.NewJobOptions{JobType: "slow", SubjectKey: "s1"})
	done := make(chan struct{})
	go func() {
		env.pool.processJob(context.Background(), log.NewNopLogger(), job)
		close(done)
	}()

	<-started
	assert.True(t, env.pool.Cancel(job.ID))
	<-done

	assert.Equal(t, semantica.JobStateCancelled, env.jobState(t, job.ID))
	assert.False(t, env.pool.Cancel(job.ID))
}
