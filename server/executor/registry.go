// Package executor implements the two job execution backends: the in-process
// handler registry and the subprocess spawner.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

// Registry is the in-process executor: a job_type keyed table of registered
// handlers running inside the daemon.
type Registry struct {
	logger log.Logger
	clock  clock.Clock

	mu       sync.RWMutex
	handlers map[string]semantica.JobHandler
}

// NewRegistry returns an empty handler registry.
func NewRegistry(logger log.Logger, c clock.Clock) *Registry {
	return &Registry{
		logger:   logger,
		clock:    c,
		handlers: map[string]semantica.JobHandler{},
	}
}

// Register adds a handler for its job type. Registering the same type twice
// is a programming error.
func (r *Registry) Register(h semantica.JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Name()]; ok {
		panic("duplicate job handler registered: " + h.Name())
	}
	r.handlers[h.Name()] = h
}

// Handler returns the handler registered for the job type, if any.
func (r *Registry) Handler(jobType string) (semantica.JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Run dispatches the job to its registered handler. An unknown job type is a
// permanent failure: retrying cannot make a handler appear.
func (r *Registry) Run(ctx context.Context, job *semantica.Job) (*semantica.ExecutionResult, error) {
	handler, ok := r.Handler(job.JobType)
	if !ok {
		return nil, semantica.NewPermanentExecError(
			fmt.Errorf("no handler registered for job type %q", job.JobType))
	}

	start := r.clock.Now()
	err := handler.Run(ctx, job.Payload)
	duration := r.clock.Now().Sub(start)

	result := &semantica.ExecutionResult{
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		level.Debug(r.logger).Log(
			"msg", "handler failed", "job_id", job.ID, "job_type", job.JobType, "err", err)
		var ee *semantica.ExecError
		if errors.As(err, &ee) {
			return result, ee
		}
		return result, semantica.NewPermanentExecError(err)
	}

	result.Summary = "ok"
	return result, nil
}

// Kill is a no-op: in-process jobs are stopped through context cancellation.
func (r *Registry) Kill(pid int64) error { return nil }

// Alive always reports false: in-process jobs have no pid of their own.
func (r *Registry) Alive(pid int64) bool { return false }

var _ semantica.Executor = (*Registry)(nil)
