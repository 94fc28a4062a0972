package service

import (
	"encoding/json"
	"strings"

	"github.com/josongmin/semantica-task-engine/server/semantica"
)

const (
	maxQueueLen      = 64
	maxJobTypeLen    = 128
	maxSubjectKeyLen = 512
	maxPayloadDepth  = 32
)

func (svc *Service) validateEnqueue(req *semantica.EnqueueRequest) error {
	if req.Queue == "" {
		req.Queue = "default"
	}
	if err := checkIdentifier("queue", req.Queue, maxQueueLen); err != nil {
		return err
	}

	if req.JobType == "" {
		return semantica.NewValidationError("job_type", "must not be empty")
	}
	if err := checkIdentifier("job_type", req.JobType, maxJobTypeLen); err != nil {
		return err
	}

	// An empty subject key opts out of supersede; a non-empty one obeys the
	// same character rules as other identifiers.
	if req.SubjectKey != "" {
		if err := checkIdentifier("subject_key", req.SubjectKey, maxSubjectKeyLen); err != nil {
			return err
		}
	}

	if len(req.Payload) == 0 {
		return semantica.NewValidationError("payload", "must not be empty")
	}
	if svc.opts.MaxPayloadBytes > 0 && len(req.Payload) > svc.opts.MaxPayloadBytes {
		return semantica.NewValidationError("payload", "exceeds maximum size")
	}
	if !json.Valid(req.Payload) {
		return semantica.NewValidationError("payload", "must be valid JSON")
	}
	if jsonDepth(req.Payload) > maxPayloadDepth {
		return semantica.NewValidationError("payload", "nesting too deep")
	}

	if len(req.Env) > 0 {
		var env map[string]string
		if err := json.Unmarshal(req.Env, &env); err != nil {
			return semantica.NewValidationError("env", "must be a JSON object of strings")
		}
	}

	switch req.ExecutionMode {
	case "":
		req.ExecutionMode = semantica.ExecutionModeInProcess
	case semantica.ExecutionModeInProcess, semantica.ExecutionModeSubprocess:
	default:
		return semantica.NewValidationError("execution_mode", "must be IN_PROCESS or SUBPROCESS")
	}

	if req.MaxAttempts < 0 {
		return semantica.NewValidationError("max_attempts", "must not be negative")
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = 1
	}
	if req.BackoffFactor < 0 {
		return semantica.NewValidationError("backoff_factor", "must not be negative")
	}
	if req.BackoffFactor == 0 {
		req.BackoffFactor = 2
	}
	if req.TTLMs != nil && *req.TTLMs <= 0 {
		return semantica.NewValidationError("ttl_ms", "must be positive")
	}
	if req.Deadline != nil && *req.Deadline <= 0 {
		return semantica.NewValidationError("deadline", "must be positive")
	}
	if req.ScheduleAt != nil && *req.ScheduleAt < 0 {
		return semantica.NewValidationError("schedule_at", "must not be negative")
	}

	for field, val := range map[string]*string{
		"trace_id":       req.TraceID,
		"user_tag":       req.UserTag,
		"parent_job_id":  req.ParentJobID,
		"chain_group_id": req.ChainGroupID,
	} {
		if val == nil {
			continue
		}
		if err := checkIdentifier(field, *val, maxSubjectKeyLen); err != nil {
			return err
		}
	}

	return nil
}

func validateCancelFilter(filter semantica.CancelFilter) error {
	set := 0
	for _, v := range []string{filter.JobID, filter.UserTag, filter.ChainGroupID} {
		if v != "" {
			set++
		}
	}
	if set == 0 {
		return semantica.NewValidationError("", "one of job_id, user_tag or chain_group_id is required")
	}
	if set > 1 {
		return semantica.NewValidationError("", "job_id, user_tag and chain_group_id are mutually exclusive")
	}
	return nil
}

func checkIdentifier(field, value string, maxLen int) error {
	if value == "" {
		return semantica.NewValidationError(field, "must not be empty")
	}
	if len(value) > maxLen {
		return semantica.NewValidationError(field, "too long")
	}
	if strings.ContainsRune(value, 0) {
		return semantica.NewValidationError(field, "must not contain NUL")
	}
	return nil
}

// jsonDepth returns the maximum bracket nesting of already-validated JSON.
func jsonDepth(data []byte) int {
	depth, deepest := 0, 0
	inString, escaped := false, false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case '}', ']':
			depth--
		}
	}
	return deepest
}
