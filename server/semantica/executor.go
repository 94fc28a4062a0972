package semantica

import "context"

// ExecutionResult is the outcome of one job attempt.
type ExecutionResult struct {
	ExitCode   *int
	DurationMs int64
	// Summary is a short human-readable outcome stored in result_summary.
	Summary string
}

// Executor runs a single job attempt. Implementations are selected per job
// by ExecutionMode: the in-process handler registry or the subprocess
// spawner.
type Executor interface {
	// Run blocks until the attempt terminates. A non-nil error is an
	// *ExecError carrying the transient/permanent/infra classification;
	// context cancellation maps to the job's cancel or shutdown path.
	Run(ctx context.Context, job *Job) (*ExecutionResult, error)

	// Kill sends the graceful-kill sequence (terminate, bounded grace, then
	// kill) to the process group of pid. No-op for in-process jobs.
	Kill(pid int64) error

	// Alive reports whether pid refers to a live process.
	Alive(pid int64) bool
}

// JobHandler is an in-process job implementation registered by job type.
type JobHandler interface {
	// Name is the job_type this handler serves.
	Name() string

	// Run performs the work. Returned errors should be wrapped with
	// NewTransientExecError / NewPermanentExecError to steer the retry
	// policy; unwrapped errors are treated as permanent.
	Run(ctx context.Context, payload []byte) error
}
