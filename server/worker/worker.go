package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

const (
	// pollInterval paces the loop when the queue is empty or the host is
	// over the CPU throttle threshold.
	pollInterval = 100 * time.Millisecond

	// revertPause keeps a job whose conditions are unmet from being popped
	// again immediately after its revert.
	revertPause = 100 * time.Millisecond
)

// PoolOptions configure a worker pool.
type PoolOptions struct {
	Queues         []string
	SlotsPerQueue  int
	CPUThrottlePct float64
	DrainTimeout   time.Duration
	Retry          RetryPolicy
}

// Pool runs one claim-execute loop per slot per queue. It owns the
// active-run registry that the cancel path uses to stop in-flight jobs.
type Pool struct {
	logger     log.Logger
	clock      clock.Clock
	ds         semantica.Datastore
	probe      semantica.SystemProbe
	inProcess  semantica.Executor
	subprocess semantica.Executor
	metrics    *Metrics
	opts       PoolOptions

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewPool builds a worker pool. The executors may be shared with the
// recovery and cancel paths.
func NewPool(
	logger log.Logger,
	c clock.Clock,
	ds semantica.Datastore,
	probe semantica.SystemProbe,
	inProcess semantica.Executor,
	subprocess semantica.Executor,
	metrics *Metrics,
	opts PoolOptions,
) *Pool {
	if opts.SlotsPerQueue <= 0 {
		opts.SlotsPerQueue = 1
	}
	return &Pool{
		logger:     logger,
		clock:      c,
		ds:         ds,
		probe:      probe,
		inProcess:  inProcess,
		subprocess: subprocess,
		metrics:    metrics,
		opts:       opts,
		active:     map[string]context.CancelFunc{},
	}
}

// Run blocks serving the configured queues until ctx is cancelled, then
// drains: loops stop claiming immediately, and in-flight jobs get
// DrainTimeout to finish before their run contexts are cancelled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, queue := range p.opts.Queues {
		for slot := 0; slot < p.opts.SlotsPerQueue; slot++ {
			wg.Add(1)
			go func(queue string, slot int) {
				defer wg.Done()
				p.loop(ctx, queue, slot)
			}(queue, slot)
		}
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.opts.DrainTimeout):
		level.Info(p.logger).Log("msg", "drain timeout, cancelling in-flight jobs")
		p.cancelAll()
		<-done
	}
	return nil
}

func (p *Pool) loop(ctx context.Context, queue string, slot int) {
	logger := log.With(p.logger, "queue", queue, "slot", slot)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if m := p.probe.Metrics(); m.CPUPercent >= p.opts.CPUThrottlePct {
			level.Debug(logger).Log("msg", "cpu throttled", "cpu_percent", fmt.Sprintf("%.1f", m.CPUPercent))
			p.sleep(ctx, pollInterval)
			continue
		}

		job, err := p.ds.PopNextJob(ctx, queue)
		if err != nil {
			if ctx.Err() == nil {
				level.Error(logger).Log("msg", "pop failed", "err", err)
			}
			p.sleep(ctx, pollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, pollInterval)
			continue
		}

		p.processJob(ctx, logger, job)
	}
}

func (p *Pool) processJob(ctx context.Context, logger log.Logger, job *semantica.Job) {
	now := p.clock.Now().UnixMilli()
	switch EvaluateReadiness(job, now, p.probe) {
	case DecisionSkipDeadline:
		p.finish(logger, job, semantica.JobStateSkippedDeadline, "deadline passed before execution")
		return
	case DecisionSkipTTL:
		p.finish(logger, job, semantica.JobStateSkippedTTL, "ttl expired before execution")
		return
	case DecisionRevert:
		reverted, err := p.ds.RevertJobToQueued(ctx, job.ID)
		if err != nil {
			level.Error(logger).Log("msg", "revert failed", "job_id", job.ID, "err", err)
		} else if reverted {
			level.Debug(logger).Log("msg", "job deferred", "job_id", job.ID,
				"state_from", semantica.JobStateRunning, "state_to", semantica.JobStateQueued)
		}
		p.sleep(ctx, revertPause)
		return
	}

	p.execute(logger, job)
}

func (p *Pool) execute(logger log.Logger, job *semantica.Job) {
	ctx := context.Background()
	attempts, err := p.ds.IncrementJobAttempts(ctx, job.ID)
	if err != nil {
		level.Error(logger).Log("msg", "increment attempts failed", "job_id", job.ID, "err", err)
		attempts = job.Attempts + 1
	}

	// Runs get their own context so shutdown can drain them instead of
	// aborting mid-attempt; cancellation comes through the active-run
	// registry.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if job.Deadline != nil {
		// The readiness check already skipped expired deadlines, so the
		// remaining budget is positive here. The executor observes the
		// expiry through runCtx and runs the kill sequence on subprocesses.
		remaining := time.Duration(*job.Deadline-p.clock.Now().UnixMilli()) * time.Millisecond
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithTimeout(runCtx, remaining)
		defer cancelDeadline()
	}
	p.registerActive(job.ID, cancel)
	defer p.unregisterActive(job.ID)

	exec := p.inProcess
	if job.ExecutionMode == semantica.ExecutionModeSubprocess {
		exec = p.subprocess
	}

	start := p.clock.Now()
	var result *semantica.ExecutionResult
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = semantica.NewPermanentExecError(fmt.Errorf("handler panic: %v", r))
			}
		}()
		result, runErr = exec.Run(runCtx, job)
	}()
	duration := p.clock.Now().Sub(start)
	if p.metrics != nil {
		p.metrics.JobDuration.Observe(duration.Seconds())
	}

	// A deadline breach mid-run is a timeout, not a cancel: the job already
	// got the kill sequence, and the retry policy decides whether the
	// remaining attempt budget is worth spending.
	if runErr != nil && errors.Is(runErr, context.DeadlineExceeded) {
		runErr = semantica.NewTransientExecError(
			fmt.Errorf("deadline exceeded after %dms", duration.Milliseconds()))
	}

	summary := ""
	if result != nil {
		summary = result.Summary
	}

	switch {
	case runErr == nil:
		p.finish(logger, job, semantica.JobStateDone, summary)

	case errors.Is(runErr, context.Canceled):
		// Usually a no-op: the cancel handler already moved the row to
		// CANCELLED. Covers a drain-forced stop too.
		p.finish(logger, job, semantica.JobStateCancelled, "cancelled during execution")

	case semantica.IsTransientExec(runErr) && p.opts.Retry.ShouldRetry(attempts, job.MaxAttempts):
		delay := p.opts.Retry.NextDelay(attempts-1, job.BackoffFactor)
		scheduleAt := p.clock.Now().Add(delay).UnixMilli()
		if err := p.ds.PrepareJobForRetry(ctx, job.ID, scheduleAt); err != nil {
			level.Error(logger).Log("msg", "retry scheduling failed", "job_id", job.ID, "err", err)
			p.finish(logger, job, semantica.JobStateFailed, runErr.Error())
			return
		}
		level.Info(logger).Log("msg", "job retry scheduled", "job_id", job.ID,
			"state_from", semantica.JobStateRunning, "state_to", semantica.JobStateQueued,
			"attempts", attempts, "delay_ms", delay.Milliseconds(),
			"duration_ms", duration.Milliseconds(), "err", runErr)
		if p.metrics != nil {
			p.metrics.JobsProcessed.WithLabelValues("RETRY").Inc()
		}

	default:
		p.finish(logger, job, semantica.JobStateFailed, runErr.Error())
	}
}

// finish moves the job to a terminal state, logging the transition. Already
// terminal rows (e.g. a concurrent cancel) are left untouched.
func (p *Pool) finish(logger log.Logger, job *semantica.Job, state semantica.JobState, summary string) {
	ctx := context.Background()
	now := p.clock.Now().UnixMilli()
	var summaryPtr *string
	if summary != "" {
		summaryPtr = &summary
	}

	changed, err := p.ds.UpdateJobState(ctx, job.ID, state, &now, summaryPtr)
	if err != nil {
		level.Error(logger).Log("msg", "state update failed", "job_id", job.ID, "state_to", state, "err", err)
		return
	}
	if !changed {
		return
	}

	level.Info(logger).Log("msg", "job finished", "job_id", job.ID, "job_type", job.JobType,
		"state_from", semantica.JobStateRunning, "state_to", state, "summary", summary)
	if p.metrics != nil {
		p.metrics.JobsProcessed.WithLabelValues(string(state)).Inc()
	}
}

// Cancel stops an in-flight run of the job, if any. Returns whether a run
// was active.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.active[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) registerActive(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[jobID] = cancel
}

func (p *Pool) unregisterActive(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, jobID)
}

func (p *Pool) cancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.active {
		cancel()
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-p.clock.After(d):
	}
}
