package semantica

import "context"

// NewJobOptions are the caller-supplied fields of an enqueue. Generated
// fields (id, generation, created_at) are filled by the datastore inside the
// enqueue transaction.
type NewJobOptions struct {
	Queue      string
	JobType    string
	SubjectKey string
	Payload    []byte
	Priority   int32

	ExecutionMode ExecutionMode
	Env           []byte

	MaxAttempts   int32
	BackoffFactor float64

	Deadline   *int64
	TTLMs      *int64
	ScheduleAt *int64

	WaitForIdle     bool
	RequireCharging bool
	WaitForEvent    *string

	TraceID      *string
	UserTag      *string
	ParentJobID  *string
	ChainGroupID *string
}

// Datastore is the persistence interface of the engine, implemented by
// server/datastore/sqlite.
type Datastore interface {
	// NewJob runs the transactional enqueue: ensure the subject ledger row,
	// allocate the next generation, supersede earlier QUEUED entries of the
	// same subject, and insert the new QUEUED job. Jobs with an empty
	// SubjectKey skip the ledger and supersede steps and get generation 1.
	NewJob(ctx context.Context, opts NewJobOptions) (*Job, error)

	// PopNextJob atomically selects the next eligible QUEUED job of the queue
	// (priority DESC, created_at ASC, only max-generation rows per subject,
	// schedule_at due) and transitions it to RUNNING. Returns nil when the
	// queue is empty.
	PopNextJob(ctx context.Context, queue string) (*Job, error)

	Job(ctx context.Context, id string) (*Job, error)

	// UpdateJobState transitions a non-terminal job. Terminal jobs are left
	// untouched and (false, nil) is returned so that e.g. cancelling a DONE
	// job is an idempotent no-op.
	UpdateJobState(ctx context.Context, id string, state JobState, finishedAt *int64, resultSummary *string) (bool, error)

	// RevertJobToQueued undoes a pop whose readiness conditions were not met.
	// Conditional on state=RUNNING so it never races a concurrent cancel, and
	// it does not consume an attempt.
	RevertJobToQueued(ctx context.Context, id string) (bool, error)

	IncrementJobAttempts(ctx context.Context, id string) (int32, error)

	// PrepareJobForRetry requeues a failed attempt: QUEUED, schedule_at set,
	// started_at and pid cleared. Attempts are counted at execution start via
	// IncrementJobAttempts, so condition reverts never consume one.
	PrepareJobForRetry(ctx context.Context, id string, scheduleAt int64) error

	SetJobPID(ctx context.Context, id string, pid int64) error
	ClearJobPID(ctx context.Context, id string) error
	SetJobLogPath(ctx context.Context, id string, path string) error

	JobsByState(ctx context.Context, state JobState) ([]*Job, error)
	RunningJobsStartedBefore(ctx context.Context, cutoffMillis int64) ([]*Job, error)

	// JobsWithPIDNotRunning returns non-RUNNING jobs that still carry a pid;
	// candidates for the zombie sweep.
	JobsWithPIDNotRunning(ctx context.Context) ([]*Job, error)

	// CancelJobs transitions every matching non-terminal job to CANCELLED and
	// returns the affected jobs (for signalling any live subprocesses).
	CancelJobs(ctx context.Context, filter CancelFilter, finishedAt int64) ([]*Job, error)

	JobStats(ctx context.Context) (*JobStats, error)

	// Maintenance.
	CleanupFinishedJobs(ctx context.Context, cutoffMillis int64) (int64, error)
	// ReferencedArtifactPaths returns every artifact path still referenced
	// by a job row; files outside this set are GC candidates.
	ReferencedArtifactPaths(ctx context.Context) (map[string]struct{}, error)
	Vacuum(ctx context.Context) error
	Size(ctx context.Context) (int64, error)

	MigrationStatus(ctx context.Context) (int64, error)
	Close() error
}
