package semantica

import (
	"context"
	"encoding/json"
)

// EnqueueRequest carries the validated parameters of dev.enqueue.v1.
type EnqueueRequest struct {
	JobType    string          `json:"job_type"`
	Queue      string          `json:"queue"`
	SubjectKey string          `json:"subject_key"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int32           `json:"priority"`

	ExecutionMode ExecutionMode   `json:"execution_mode,omitempty"`
	Env           json.RawMessage `json:"env,omitempty"`

	MaxAttempts   int32   `json:"max_attempts,omitempty"`
	BackoffFactor float64 `json:"backoff_factor,omitempty"`

	Deadline   *int64 `json:"deadline,omitempty"`
	TTLMs      *int64 `json:"ttl_ms,omitempty"`
	ScheduleAt *int64 `json:"schedule_at,omitempty"`

	WaitForIdle     bool    `json:"wait_for_idle,omitempty"`
	RequireCharging bool    `json:"require_charging,omitempty"`
	WaitForEvent    *string `json:"wait_for_event,omitempty"`

	TraceID      *string `json:"trace_id,omitempty"`
	UserTag      *string `json:"user_tag,omitempty"`
	ParentJobID  *string `json:"parent_job_id,omitempty"`
	ChainGroupID *string `json:"chain_group_id,omitempty"`
}

// EnqueueResponse is the result of dev.enqueue.v1.
type EnqueueResponse struct {
	JobID string   `json:"job_id"`
	State JobState `json:"state"`
	Queue string   `json:"queue"`
}

// CancelRequest carries dev.cancel.v1 parameters; at least one selector must
// be set.
type CancelRequest struct {
	JobID        string `json:"job_id,omitempty"`
	UserTag      string `json:"user_tag,omitempty"`
	ChainGroupID string `json:"chain_group_id,omitempty"`
}

// CancelResponse is the result of dev.cancel.v1.
type CancelResponse struct {
	CancelledCount int `json:"cancelled_count"`
}

// TailLogsRequest reads a byte range of a job's captured output.
type TailLogsRequest struct {
	JobID  string `json:"job_id"`
	Offset int64  `json:"offset"`
	Limit  int64  `json:"limit,omitempty"`
}

// TailLogsResponse returns the chunk read and where to resume. EOF is true
// only when the job is terminal and the offset reached end-of-file.
type TailLogsResponse struct {
	Chunk      string `json:"chunk"`
	NextOffset int64  `json:"next_offset"`
	EOF        bool   `json:"eof"`
}

// QueueStats are per-queue state counts plus wait latency.
type QueueStats struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Failed    int64 `json:"failed"`
	AvgWaitMs int64 `json:"avg_wait_ms"`
}

// StatsResponse is the result of admin.stats.v1.
type StatsResponse struct {
	TotalJobs     int64                 `json:"total_jobs"`
	ByState       map[JobState]int64    `json:"by_state"`
	Queues        map[string]QueueStats `json:"queues"`
	DBSizeBytes   int64                 `json:"db_size_bytes"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	System        SystemMetrics         `json:"system"`
	Power         PowerState            `json:"power"`
}

// MaintenanceRequest triggers an immediate maintenance run.
type MaintenanceRequest struct {
	ForceVacuum bool `json:"force_vacuum,omitempty"`
}

// MaintenanceResponse reports what the run reclaimed.
type MaintenanceResponse struct {
	VacuumRun         bool  `json:"vacuum_run"`
	JobsDeleted       int64 `json:"jobs_deleted"`
	ArtifactsDeleted  int64 `json:"artifacts_deleted"`
	DBSizeBeforeBytes int64 `json:"db_size_before_bytes"`
	DBSizeAfterBytes  int64 `json:"db_size_after_bytes"`
}

// Service is the application boundary driven by the RPC handler.
type Service interface {
	EnqueueJob(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error)
	CancelJobs(ctx context.Context, req CancelRequest) (*CancelResponse, error)
	TailLogs(ctx context.Context, req TailLogsRequest) (*TailLogsResponse, error)
	Stats(ctx context.Context) (*StatsResponse, error)
	RunMaintenance(ctx context.Context, req MaintenanceRequest) (*MaintenanceResponse, error)
}
