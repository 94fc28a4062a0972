package worker

import (
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

// Decision is the outcome of evaluating a claimed job's run conditions.
type Decision int

const (
	// DecisionReady means the job executes now.
	DecisionReady Decision = iota
	// DecisionSkipDeadline means the deadline passed while queued; the job
	// terminates as SKIPPED_DEADLINE without executing.
	DecisionSkipDeadline
	// DecisionSkipTTL means the job aged out of the queue; it terminates as
	// SKIPPED_TTL without executing.
	DecisionSkipTTL
	// DecisionRevert means a wait condition is unmet; the job goes back to
	// QUEUED without consuming an attempt.
	DecisionRevert
)

func (d Decision) String() string {
	switch d {
	case DecisionReady:
		return "ready"
	case DecisionSkipDeadline:
		return "skip_deadline"
	case DecisionSkipTTL:
		return "skip_ttl"
	case DecisionRevert:
		return "revert"
	}
	return "unknown"
}

// EvaluateReadiness checks a claimed job's conditions in fixed order:
// expiry terminals first (deadline, ttl), then the deferrable waits
// (schedule_at, idle, charging, event). The pop query already filters on
// schedule_at, but it is rechecked here since a retry may have moved it
// between claim and evaluation.
func EvaluateReadiness(job *semantica.Job, nowMillis int64, probe semantica.SystemProbe) Decision {
	if job.Deadline != nil && nowMillis > *job.Deadline {
		return DecisionSkipDeadline
	}
	if job.TTLMs != nil && nowMillis-job.CreatedAt > *job.TTLMs {
		return DecisionSkipTTL
	}
	if job.ScheduleAt != nil && *job.ScheduleAt > nowMillis {
		return DecisionRevert
	}
	if job.WaitForIdle && !probe.Metrics().IsIdle {
		return DecisionRevert
	}
	if job.RequireCharging && !probe.IsChargingOrHighBattery() {
		return DecisionRevert
	}
	if job.WaitForEvent != nil {
		// Event signalling is not wired yet; event-gated jobs always defer.
		return DecisionRevert
	}
	return DecisionReady
}
