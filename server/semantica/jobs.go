package semantica

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a job.
//
//	                      ┌──────────────┐
//	                      ▼              │
//	QUEUED ────────────► RUNNING ───► DONE / FAILED / CANCELLED
//	  │  ▲                 │
//	  │  └─────────────────┘ (revert: condition not met, no attempt consumed)
//	  │
//	  ├──► SUPERSEDED        (newer generation enqueued for the same subject)
//	  ├──► SKIPPED_TTL       (aged out of the queue)
//	  └──► SKIPPED_DEADLINE  (deadline passed before execution)
type JobState string

const (
	JobStateQueued          JobState = "QUEUED"
	JobStateRunning         JobState = "RUNNING"
	JobStateDone            JobState = "DONE"
	JobStateFailed          JobState = "FAILED"
	JobStateCancelled       JobState = "CANCELLED"
	JobStateSuperseded      JobState = "SUPERSEDED"
	JobStateSkippedTTL      JobState = "SKIPPED_TTL"
	JobStateSkippedDeadline JobState = "SKIPPED_DEADLINE"
)

// Terminal reports whether the state is absorbing. Jobs in a terminal state
// never transition again; maintenance GC is the only thing that touches them.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateDone, JobStateFailed, JobStateCancelled, JobStateSuperseded,
		JobStateSkippedTTL, JobStateSkippedDeadline:
		return true
	}
	return false
}

// TerminalStates lists every absorbing state, in the order used by SQL IN
// clauses throughout the sqlite datastore.
var TerminalStates = []JobState{
	JobStateDone,
	JobStateFailed,
	JobStateCancelled,
	JobStateSuperseded,
	JobStateSkippedTTL,
	JobStateSkippedDeadline,
}

// ExecutionMode selects the executor variant for a job.
type ExecutionMode string

const (
	ExecutionModeInProcess  ExecutionMode = "IN_PROCESS"
	ExecutionModeSubprocess ExecutionMode = "SUBPROCESS"
)

// Job is the primary persistent record of the engine. Timestamps are epoch
// milliseconds; generated fields (ID, Generation, CreatedAt) are set by the
// enqueue transaction.
type Job struct {
	ID         string `json:"id" db:"id"`
	Queue      string `json:"queue" db:"queue"`
	JobType    string `json:"job_type" db:"job_type"`
	SubjectKey string `json:"subject_key" db:"subject_key"`
	// Generation is monotone per SubjectKey; only the highest generation of a
	// subject is ever popped.
	Generation int64    `json:"generation" db:"generation"`
	State      JobState `json:"state" db:"state"`
	Priority   int32    `json:"priority" db:"priority"`

	CreatedAt  int64  `json:"created_at" db:"created_at"`
	StartedAt  *int64 `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *int64 `json:"finished_at,omitempty" db:"finished_at"`

	// Payload is opaque to the engine; only executors interpret it.
	Payload json.RawMessage `json:"payload" db:"payload"`
	LogPath *string         `json:"log_path,omitempty" db:"log_path"`

	ExecutionMode ExecutionMode    `json:"execution_mode" db:"execution_mode"`
	PID           *int64           `json:"pid,omitempty" db:"pid"`
	Env           *json.RawMessage `json:"env,omitempty" db:"env"`

	Attempts      int32   `json:"attempts" db:"attempts"`
	MaxAttempts   int32   `json:"max_attempts" db:"max_attempts"`
	BackoffFactor float64 `json:"backoff_factor" db:"backoff_factor"`

	Deadline   *int64 `json:"deadline,omitempty" db:"deadline"`
	TTLMs      *int64 `json:"ttl_ms,omitempty" db:"ttl_ms"`
	ScheduleAt *int64 `json:"schedule_at,omitempty" db:"schedule_at"`

	WaitForIdle     bool    `json:"wait_for_idle" db:"wait_for_idle"`
	RequireCharging bool    `json:"require_charging" db:"require_charging"`
	WaitForEvent    *string `json:"wait_for_event,omitempty" db:"wait_for_event"`

	TraceID      *string `json:"trace_id,omitempty" db:"trace_id"`
	UserTag      *string `json:"user_tag,omitempty" db:"user_tag"`
	ParentJobID  *string `json:"parent_job_id,omitempty" db:"parent_job_id"`
	ChainGroupID *string `json:"chain_group_id,omitempty" db:"chain_group_id"`

	ResultSummary *string          `json:"result_summary,omitempty" db:"result_summary"`
	Artifacts     *json.RawMessage `json:"artifacts,omitempty" db:"artifacts"`
}

// EnvMap decodes the job's declared environment entries. A nil Env yields an
// empty map.
func (j *Job) EnvMap() (map[string]string, error) {
	if j.Env == nil {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(*j.Env, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// QueueAge returns how long the job has been waiting since creation.
func (j *Job) QueueAge(nowMillis int64) time.Duration {
	return time.Duration(nowMillis-j.CreatedAt) * time.Millisecond
}

// JobStats is the aggregate returned by Datastore.JobStats.
type JobStats struct {
	ByState      map[JobState]int64            `json:"by_state"`
	ByQueueState map[string]map[JobState]int64 `json:"by_queue_state"`
	// AvgWaitMs is the mean (started_at - created_at) of jobs that started
	// within the stats window; AvgWaitMsByQueue breaks it down per queue.
	AvgWaitMs        int64            `json:"avg_wait_ms"`
	AvgWaitMsByQueue map[string]int64 `json:"avg_wait_ms_by_queue"`
	DBSizeBytes      int64            `json:"db_size_bytes"`
	TotalJobs        int64            `json:"total_jobs"`
}

// CancelFilter selects the jobs affected by a cancel request. Exactly one
// field must be non-empty.
type CancelFilter struct {
	JobID        string
	UserTag      string
	ChainGroupID string
}

// Empty reports whether no selector is set.
func (f CancelFilter) Empty() bool {
	return f.JobID == "" && f.UserTag == "" && f.ChainGroupID == ""
}
