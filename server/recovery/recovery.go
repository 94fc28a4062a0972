// Package recovery reconciles job state with reality after a daemon crash:
// jobs left RUNNING by a previous process are requeued or failed, and
// recorded pids that outlived their jobs are reaped.
package recovery

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/josongmin/semantica-task-engine/server/contexts/ctxerr"
	"github.com/josongmin/semantica-task-engine/server/platform"
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

// Recoverer runs the startup orphan pass and the periodic stale-job sweep.
type Recoverer struct {
	logger     log.Logger
	clock      clock.Clock
	ds         semantica.Datastore
	subprocess semantica.Executor
	// window is how long after started_at a RUNNING job is considered stuck
	// by the periodic sweep.
	window time.Duration
}

// New returns a Recoverer. The subprocess executor supplies the graceful
// kill sequence for live orphans.
func New(logger log.Logger, c clock.Clock, ds semantica.Datastore, subprocess semantica.Executor, window time.Duration) *Recoverer {
	return &Recoverer{
		logger:     logger,
		clock:      c,
		ds:         ds,
		subprocess: subprocess,
		window:     window,
	}
}

// Run executes the full startup pass: every RUNNING job belongs to a dead
// daemon, so each is either requeued (in-process, work lost but repeatable)
// or failed after reaping its subprocess. Individual failures are collected
// so one bad row does not abort the pass.
func (r *Recoverer) Run(ctx context.Context) error {
	running, err := r.ds.JobsByState(ctx, semantica.JobStateRunning)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "list running jobs")
	}

	var errs *multierror.Error
	for _, job := range running {
		if err := r.recoverOne(ctx, job); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := r.sweepZombies(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	if n := len(running); n > 0 {
		level.Info(r.logger).Log("msg", "orphan pass complete", "recovered", n)
	}
	return errs.ErrorOrNil()
}

func (r *Recoverer) recoverOne(ctx context.Context, job *semantica.Job) error {
	if job.PID == nil {
		// In-process work died with the daemon; it left no side channel, so
		// rerunning is safe.
		reverted, err := r.ds.RevertJobToQueued(ctx, job.ID)
		if err != nil {
			return ctxerr.Wrapf(ctx, err, "requeue orphan %s", job.ID)
		}
		if reverted {
			level.Info(r.logger).Log("msg", "orphan requeued", "job_id", job.ID,
				"state_from", semantica.JobStateRunning, "state_to", semantica.JobStateQueued)
		}
		return nil
	}

	pid := *job.PID
	summary := "process died while daemon was down"
	if r.pidBelongsToJob(pid, job) {
		// Still alive without a supervisor: reap it rather than leave an
		// unaccounted process running.
		if err := r.subprocess.Kill(pid); err != nil {
			return ctxerr.Wrapf(ctx, err, "kill orphan process %d", pid)
		}
		summary = "orphaned process killed by crash recovery"
	}

	now := r.clock.Now().UnixMilli()
	if _, err := r.ds.UpdateJobState(ctx, job.ID, semantica.JobStateFailed, &now, &summary); err != nil {
		return ctxerr.Wrapf(ctx, err, "fail orphan %s", job.ID)
	}
	if err := r.ds.ClearJobPID(ctx, job.ID); err != nil {
		return ctxerr.Wrapf(ctx, err, "clear orphan pid %s", job.ID)
	}
	level.Info(r.logger).Log("msg", "orphan failed", "job_id", job.ID, "pid", pid,
		"state_from", semantica.JobStateRunning, "state_to", semantica.JobStateFailed,
		"summary", summary)
	return nil
}

// pidBelongsToJob guards against pid recycling: the process must exist and
// its executable must match the command the job was started with.
func (r *Recoverer) pidBelongsToJob(pid int64, job *semantica.Job) bool {
	if !r.subprocess.Alive(pid) {
		return false
	}

	var payload struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.Command == "" {
		return false
	}

	matches, err := platform.ProcessNameMatches(int(pid), filepath.Base(payload.Command))
	if err != nil {
		level.Debug(r.logger).Log("msg", "name match failed", "pid", pid, "err", err)
		return false
	}
	return matches
}

// sweepZombies clears recorded pids on jobs that are no longer RUNNING,
// killing any process that demonstrably still belongs to its job.
func (r *Recoverer) sweepZombies(ctx context.Context) error {
	jobs, err := r.ds.JobsWithPIDNotRunning(ctx)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "list zombie candidates")
	}

	var errs *multierror.Error
	for _, job := range jobs {
		pid := *job.PID
		if r.pidBelongsToJob(pid, job) {
			if err := r.subprocess.Kill(pid); err != nil {
				errs = multierror.Append(errs, ctxerr.Wrapf(ctx, err, "kill zombie %d", pid))
				continue
			}
			level.Info(r.logger).Log("msg", "zombie killed", "job_id", job.ID, "pid", pid)
		}
		if err := r.ds.ClearJobPID(ctx, job.ID); err != nil {
			errs = multierror.Append(errs, ctxerr.Wrapf(ctx, err, "clear zombie pid %s", job.ID))
		}
	}
	return errs.ErrorOrNil()
}

// SweepStale fails long-RUNNING subprocess jobs whose recorded process is
// gone. Run periodically, it catches executions whose exit was never
// observed without touching jobs still supervised by this daemon: in-process
// runs are skipped entirely, and live pids are left alone.
func (r *Recoverer) SweepStale(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.window).UnixMilli()
	stale, err := r.ds.RunningJobsStartedBefore(ctx, cutoff)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "list stale running jobs")
	}

	var errs *multierror.Error
	for _, job := range stale {
		if job.PID == nil || r.subprocess.Alive(*job.PID) {
			continue
		}
		summary := "process exited without reporting status"
		now := r.clock.Now().UnixMilli()
		if _, err := r.ds.UpdateJobState(ctx, job.ID, semantica.JobStateFailed, &now, &summary); err != nil {
			errs = multierror.Append(errs, ctxerr.Wrapf(ctx, err, "fail stale %s", job.ID))
			continue
		}
		if err := r.ds.ClearJobPID(ctx, job.ID); err != nil {
			errs = multierror.Append(errs, ctxerr.Wrapf(ctx, err, "clear stale pid %s", job.ID))
		}
		level.Info(r.logger).Log("msg", "stale job failed", "job_id", job.ID, "pid", *job.PID)
	}
	return errs.ErrorOrNil()
}
