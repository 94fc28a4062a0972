// Package service implements the application boundary of the daemon: the
// semantica.Service methods and the JSON-RPC HTTP handler driving them.
package service

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/josongmin/semantica-task-engine/server/contexts/ctxerr"
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

// Canceller stops an in-flight run; implemented by the worker pool.
type Canceller interface {
	Cancel(jobID string) bool
}

// Maintainer runs a maintenance pass; implemented by server/maintenance.
type Maintainer interface {
	Run(ctx context.Context, forceVacuum bool) (*semantica.MaintenanceResponse, error)
}

// Options configure the service.
type Options struct {
	// MaxPayloadBytes caps the serialized payload accepted by enqueue.
	MaxPayloadBytes int
	// LogsDir locates capture files for jobs whose log_path was never set.
	LogsDir string
}

// Service implements semantica.Service.
type Service struct {
	logger     log.Logger
	clock      clock.Clock
	ds         semantica.Datastore
	probe      semantica.SystemProbe
	canceller  Canceller
	killer     semantica.Executor
	maintainer Maintainer
	opts       Options
	startedAt  time.Time
}

// New builds the service. killer is the subprocess executor, used to stop
// live processes of cancelled jobs.
func New(
	logger log.Logger,
	c clock.Clock,
	ds semantica.Datastore,
	probe semantica.SystemProbe,
	canceller Canceller,
	killer semantica.Executor,
	maintainer Maintainer,
	opts Options,
) *Service {
	return &Service{
		logger:     logger,
		clock:      c,
		ds:         ds,
		probe:      probe,
		canceller:  canceller,
		killer:     killer,
		maintainer: maintainer,
		opts:       opts,
		startedAt:  c.Now(),
	}
}

// EnqueueJob validates and persists a new job.
func (svc *Service) EnqueueJob(ctx context.Context, req semantica.EnqueueRequest) (*semantica.EnqueueResponse, error) {
	if err := svc.validateEnqueue(&req); err != nil {
		return nil, err
	}

	job, err := svc.ds.NewJob(ctx, semantica.NewJobOptions{
		Queue:           req.Queue,
		JobType:         req.JobType,
		SubjectKey:      req.SubjectKey,
		Payload:         req.Payload,
		Priority:        req.Priority,
		ExecutionMode:   req.ExecutionMode,
		Env:             req.Env,
		MaxAttempts:     req.MaxAttempts,
		BackoffFactor:   req.BackoffFactor,
		Deadline:        req.Deadline,
		TTLMs:           req.TTLMs,
		ScheduleAt:      req.ScheduleAt,
		WaitForIdle:     req.WaitForIdle,
		RequireCharging: req.RequireCharging,
		WaitForEvent:    req.WaitForEvent,
		TraceID:         req.TraceID,
		UserTag:         req.UserTag,
		ParentJobID:     req.ParentJobID,
		ChainGroupID:    req.ChainGroupID,
	})
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "enqueue job")
	}

	level.Info(svc.logger).Log("msg", "job enqueued", "job_id", job.ID,
		"job_type", job.JobType, "queue", job.Queue,
		"subject_key", job.SubjectKey, "generation", job.Generation)
	return &semantica.EnqueueResponse{
		JobID: job.ID,
		State: job.State,
		Queue: job.Queue,
	}, nil
}

// CancelJobs cancels by a single selector. Live runs are stopped through the
// active-run registry; recorded subprocess pids get the kill sequence.
// Matching only terminal jobs yields count 0 and no error.
func (svc *Service) CancelJobs(ctx context.Context, req semantica.CancelRequest) (*semantica.CancelResponse, error) {
	filter := semantica.CancelFilter{
		JobID:        req.JobID,
		UserTag:      req.UserTag,
		ChainGroupID: req.ChainGroupID,
	}
	if err := validateCancelFilter(filter); err != nil {
		return nil, err
	}

	if filter.JobID != "" {
		// Selecting a nonexistent id is the caller's error, unlike an empty
		// tag or group match.
		if _, err := svc.ds.Job(ctx, filter.JobID); err != nil {
			return nil, err
		}
	}

	now := svc.clock.Now().UnixMilli()
	cancelled, err := svc.ds.CancelJobs(ctx, filter, now)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "cancel jobs")
	}

	for _, job := range cancelled {
		svc.canceller.Cancel(job.ID)
		if job.PID != nil {
			if err := svc.killer.Kill(*job.PID); err != nil {
				level.Error(svc.logger).Log("msg", "kill cancelled process failed",
					"job_id", job.ID, "pid", *job.PID, "err", err)
			}
		}
		level.Info(svc.logger).Log("msg", "job cancelled", "job_id", job.ID,
			"state_from", job.State, "state_to", semantica.JobStateCancelled)
	}

	return &semantica.CancelResponse{CancelledCount: len(cancelled)}, nil
}

// Stats assembles the admin.stats.v1 snapshot.
func (svc *Service) Stats(ctx context.Context) (*semantica.StatsResponse, error) {
	stats, err := svc.ds.JobStats(ctx)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "job stats")
	}

	queues := make(map[string]semantica.QueueStats, len(stats.ByQueueState))
	for queue, byState := range stats.ByQueueState {
		queues[queue] = semantica.QueueStats{
			Queued:    byState[semantica.JobStateQueued],
			Running:   byState[semantica.JobStateRunning],
			Failed:    byState[semantica.JobStateFailed],
			AvgWaitMs: stats.AvgWaitMsByQueue[queue],
		}
	}

	return &semantica.StatsResponse{
		TotalJobs:     stats.TotalJobs,
		ByState:       stats.ByState,
		Queues:        queues,
		DBSizeBytes:   stats.DBSizeBytes,
		UptimeSeconds: int64(svc.clock.Now().Sub(svc.startedAt).Seconds()),
		System:        svc.probe.Metrics(),
		Power:         svc.probe.Power(),
	}, nil
}

// RunMaintenance triggers an immediate maintenance pass.
func (svc *Service) RunMaintenance(ctx context.Context, req semantica.MaintenanceRequest) (*semantica.MaintenanceResponse, error) {
	resp, err := svc.maintainer.Run(ctx, req.ForceVacuum)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "run maintenance")
	}
	return resp, nil
}

var _ semantica.Service = (*Service)(nil)
