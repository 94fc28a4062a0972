package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/josongmin/semantica-task-engine/server/contexts/ctxerr"
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

const jobColumns = `
	id, queue, job_type, subject_key, generation, state, priority,
	created_at, started_at, finished_at, payload, log_path,
	execution_mode, pid, env, attempts, max_attempts, backoff_factor,
	deadline, ttl_ms, schedule_at, wait_for_idle, require_charging, wait_for_event,
	trace_id, user_tag, parent_job_id, chain_group_id, result_summary, artifacts`

func terminalStateArgs() []interface{} {
	args := make([]interface{}, 0, len(semantica.TerminalStates))
	for _, s := range semantica.TerminalStates {
		args = append(args, string(s))
	}
	return args
}

// NewJob runs the enqueue transaction. For subject-keyed jobs this bumps the
// subject ledger, supersedes any still-QUEUED earlier generations and inserts
// the new row, all atomically. Jobs without a subject key skip the ledger and
// get generation 1.
func (ds *Datastore) NewJob(ctx context.Context, opts semantica.NewJobOptions) (*semantica.Job, error) {
	now := ds.clock.Now().UnixMilli()
	job := &semantica.Job{
		ID:              ds.ids.NewID(),
		Queue:           opts.Queue,
		JobType:         opts.JobType,
		SubjectKey:      opts.SubjectKey,
		Generation:      1,
		State:           semantica.JobStateQueued,
		Priority:        opts.Priority,
		CreatedAt:       now,
		Payload:         opts.Payload,
		ExecutionMode:   opts.ExecutionMode,
		Attempts:        0,
		MaxAttempts:     opts.MaxAttempts,
		BackoffFactor:   opts.BackoffFactor,
		Deadline:        opts.Deadline,
		TTLMs:           opts.TTLMs,
		ScheduleAt:      opts.ScheduleAt,
		WaitForIdle:     opts.WaitForIdle,
		RequireCharging: opts.RequireCharging,
		WaitForEvent:    opts.WaitForEvent,
		TraceID:         opts.TraceID,
		UserTag:         opts.UserTag,
		ParentJobID:     opts.ParentJobID,
		ChainGroupID:    opts.ChainGroupID,
	}
	if opts.Env != nil {
		env := json.RawMessage(opts.Env)
		job.Env = &env
	}

	err := ds.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		if job.SubjectKey != "" {
			var gen int64
			err := sqlx.GetContext(ctx, tx, &gen, `
				INSERT INTO subjects (subject_key, latest_generation, updated_at)
				VALUES (?, 1, ?)
				ON CONFLICT (subject_key) DO UPDATE SET
					latest_generation = latest_generation + 1,
					updated_at = excluded.updated_at
				RETURNING latest_generation`,
				job.SubjectKey, now,
			)
			if err != nil {
				return ctxerr.Wrap(ctx, err, "bump subject generation")
			}
			job.Generation = gen

			// Earlier generations that never ran are obsolete now.
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET state = ?, finished_at = ?
				WHERE subject_key = ? AND generation < ? AND state = ?`,
				semantica.JobStateSuperseded, now,
				job.SubjectKey, gen, semantica.JobStateQueued,
			); err != nil {
				return ctxerr.Wrap(ctx, err, "supersede earlier generations")
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (
				id, queue, job_type, subject_key, generation, state, priority,
				created_at, payload, execution_mode, env,
				max_attempts, backoff_factor,
				deadline, ttl_ms, schedule_at,
				wait_for_idle, require_charging, wait_for_event,
				trace_id, user_tag, parent_job_id, chain_group_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Queue, job.JobType, job.SubjectKey, job.Generation,
			job.State, job.Priority, job.CreatedAt, []byte(job.Payload),
			job.ExecutionMode, opts.Env,
			job.MaxAttempts, job.BackoffFactor,
			job.Deadline, job.TTLMs, job.ScheduleAt,
			job.WaitForIdle, job.RequireCharging, job.WaitForEvent,
			job.TraceID, job.UserTag, job.ParentJobID, job.ChainGroupID,
		); err != nil {
			return ctxerr.Wrap(ctx, err, "insert job")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// PopNextJob claims the next eligible QUEUED job of the queue in a single
// UPDATE so concurrent workers never claim the same row. Eligibility: due
// schedule_at and, for subject-keyed jobs, being the subject's latest
// generation. Returns nil when nothing is eligible.
func (ds *Datastore) PopNextJob(ctx context.Context, queue string) (*semantica.Job, error) {
	now := ds.clock.Now().UnixMilli()
	var job semantica.Job
	err := sqlx.GetContext(ctx, ds.writer, &job, `
		UPDATE jobs SET state = ?, started_at = ?
		WHERE id = (
			SELECT j.id FROM jobs j
			WHERE j.queue = ? AND j.state = ?
			  AND (j.schedule_at IS NULL OR j.schedule_at <= ?)
			  AND (j.subject_key = '' OR j.generation = (
					SELECT MAX(generation) FROM jobs
					WHERE subject_key = j.subject_key))
			ORDER BY j.priority DESC, j.created_at ASC, j.id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		semantica.JobStateRunning, now,
		queue, semantica.JobStateQueued, now,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "pop next job")
	}
	return &job, nil
}

func (ds *Datastore) Job(ctx context.Context, id string) (*semantica.Job, error) {
	var job semantica.Job
	err := sqlx.GetContext(ctx, ds.reader, &job,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &semantica.NotFoundError{Kind: "job", ID: id}
	}
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "select job")
	}
	return &job, nil
}

// UpdateJobState transitions a job unless it is already terminal, in which
// case (false, nil) is returned and the row is untouched.
func (ds *Datastore) UpdateJobState(ctx context.Context, id string, state semantica.JobState, finishedAt *int64, resultSummary *string) (bool, error) {
	query, args, err := sqlx.In(`
		UPDATE jobs SET
			state = ?,
			finished_at = COALESCE(?, finished_at),
			result_summary = COALESCE(?, result_summary)
		WHERE id = ? AND state NOT IN (?)`,
		state, finishedAt, resultSummary, id, terminalStateArgs(),
	)
	if err != nil {
		return false, ctxerr.Wrap(ctx, err, "build update state query")
	}

	res, err := ds.writer.ExecContext(ctx, query, args...)
	if err != nil {
		return false, ctxerr.Wrap(ctx, err, "update job state")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}

	// Distinguish the terminal no-op from a missing job.
	if _, err := ds.Job(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RevertJobToQueued undoes a claim whose readiness conditions were not met.
// Conditional on RUNNING so it never clobbers a concurrent cancel.
func (ds *Datastore) RevertJobToQueued(ctx context.Context, id string) (bool, error) {
	res, err := ds.writer.ExecContext(ctx, `
		UPDATE jobs SET state = ?, started_at = NULL, pid = NULL
		WHERE id = ? AND state = ?`,
		semantica.JobStateQueued, id, semantica.JobStateRunning,
	)
	if err != nil {
		return false, ctxerr.Wrap(ctx, err, "revert job to queued")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (ds *Datastore) IncrementJobAttempts(ctx context.Context, id string) (int32, error) {
	var attempts int32
	err := sqlx.GetContext(ctx, ds.writer, &attempts,
		`UPDATE jobs SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &semantica.NotFoundError{Kind: "job", ID: id}
	}
	if err != nil {
		return 0, ctxerr.Wrap(ctx, err, "increment job attempts")
	}
	return attempts, nil
}

func (ds *Datastore) PrepareJobForRetry(ctx context.Context, id string, scheduleAt int64) error {
	query, args, err := sqlx.In(`
		UPDATE jobs SET state = ?, schedule_at = ?, started_at = NULL, pid = NULL
		WHERE id = ? AND state NOT IN (?)`,
		semantica.JobStateQueued, scheduleAt, id, terminalStateArgs(),
	)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "build retry query")
	}
	if _, err := ds.writer.ExecContext(ctx, query, args...); err != nil {
		return ctxerr.Wrap(ctx, err, "prepare job for retry")
	}
	return nil
}

func (ds *Datastore) SetJobPID(ctx context.Context, id string, pid int64) error {
	if _, err := ds.writer.ExecContext(ctx,
		`UPDATE jobs SET pid = ? WHERE id = ?`, pid, id,
	); err != nil {
		return ctxerr.Wrap(ctx, err, "set job pid")
	}
	return nil
}

func (ds *Datastore) ClearJobPID(ctx context.Context, id string) error {
	if _, err := ds.writer.ExecContext(ctx,
		`UPDATE jobs SET pid = NULL WHERE id = ?`, id,
	); err != nil {
		return ctxerr.Wrap(ctx, err, "clear job pid")
	}
	return nil
}

func (ds *Datastore) SetJobLogPath(ctx context.Context, id string, path string) error {
	if _, err := ds.writer.ExecContext(ctx,
		`UPDATE jobs SET log_path = ? WHERE id = ?`, path, id,
	); err != nil {
		return ctxerr.Wrap(ctx, err, "set job log path")
	}
	return nil
}

func (ds *Datastore) JobsByState(ctx context.Context, state semantica.JobState) ([]*semantica.Job, error) {
	var jobs []*semantica.Job
	if err := sqlx.SelectContext(ctx, ds.reader, &jobs,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at ASC`, state,
	); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "select jobs by state")
	}
	return jobs, nil
}

func (ds *Datastore) RunningJobsStartedBefore(ctx context.Context, cutoffMillis int64) ([]*semantica.Job, error) {
	var jobs []*semantica.Job
	if err := sqlx.SelectContext(ctx, ds.reader, &jobs, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at ASC`,
		semantica.JobStateRunning, cutoffMillis,
	); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "select stale running jobs")
	}
	return jobs, nil
}

func (ds *Datastore) JobsWithPIDNotRunning(ctx context.Context) ([]*semantica.Job, error) {
	var jobs []*semantica.Job
	if err := sqlx.SelectContext(ctx, ds.reader, &jobs, `
		SELECT `+jobColumns+` FROM jobs
		WHERE pid IS NOT NULL AND state != ?`,
		semantica.JobStateRunning,
	); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "select zombie candidates")
	}
	return jobs, nil
}

// CancelJobs transitions every matching non-terminal job to CANCELLED and
// returns the affected rows so callers can signal any live subprocesses.
func (ds *Datastore) CancelJobs(ctx context.Context, filter semantica.CancelFilter, finishedAt int64) ([]*semantica.Job, error) {
	var cancelled []*semantica.Job
	err := ds.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		where := `id = ?`
		arg := filter.JobID
		switch {
		case filter.UserTag != "":
			where, arg = `user_tag = ?`, filter.UserTag
		case filter.ChainGroupID != "":
			where, arg = `chain_group_id = ?`, filter.ChainGroupID
		}

		query, args, err := sqlx.In(`
			SELECT id FROM jobs WHERE `+where+` AND state NOT IN (?)`,
			arg, terminalStateArgs(),
		)
		if err != nil {
			return ctxerr.Wrap(ctx, err, "build cancel select")
		}
		var ids []string
		if err := sqlx.SelectContext(ctx, tx, &ids, query, args...); err != nil {
			return ctxerr.Wrap(ctx, err, "select cancellable jobs")
		}
		if len(ids) == 0 {
			return nil
		}

		query, args, err = sqlx.In(`
			UPDATE jobs SET state = ?, finished_at = ? WHERE id IN (?)`,
			semantica.JobStateCancelled, finishedAt, ids,
		)
		if err != nil {
			return ctxerr.Wrap(ctx, err, "build cancel update")
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return ctxerr.Wrap(ctx, err, "cancel jobs")
		}

		query, args, err = sqlx.In(`SELECT `+jobColumns+` FROM jobs WHERE id IN (?)`, ids)
		if err != nil {
			return ctxerr.Wrap(ctx, err, "build cancelled select")
		}
		if err := sqlx.SelectContext(ctx, tx, &cancelled, query, args...); err != nil {
			return ctxerr.Wrap(ctx, err, "select cancelled jobs")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

const statsWaitWindowMillis = 24 * 60 * 60 * 1000

func (ds *Datastore) JobStats(ctx context.Context) (*semantica.JobStats, error) {
	stats := &semantica.JobStats{
		ByState:      map[semantica.JobState]int64{},
		ByQueueState: map[string]map[semantica.JobState]int64{},
	}

	rows, err := ds.reader.QueryxContext(ctx,
		`SELECT queue, state, COUNT(*) FROM jobs GROUP BY queue, state`,
	)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "count jobs by queue and state")
	}
	defer rows.Close()
	for rows.Next() {
		var queue string
		var state semantica.JobState
		var count int64
		if err := rows.Scan(&queue, &state, &count); err != nil {
			return nil, ctxerr.Wrap(ctx, err, "scan job counts")
		}
		stats.ByState[state] += count
		stats.TotalJobs += count
		if stats.ByQueueState[queue] == nil {
			stats.ByQueueState[queue] = map[semantica.JobState]int64{}
		}
		stats.ByQueueState[queue][state] += count
	}
	if err := rows.Err(); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "iterate job counts")
	}

	cutoff := ds.clock.Now().UnixMilli() - statsWaitWindowMillis
	if err := sqlx.GetContext(ctx, ds.reader, &stats.AvgWaitMs, `
		SELECT COALESCE(CAST(AVG(started_at - created_at) AS INTEGER), 0)
		FROM jobs WHERE started_at IS NOT NULL AND started_at >= ?`,
		cutoff,
	); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "average queue wait")
	}

	stats.AvgWaitMsByQueue = map[string]int64{}
	waitRows, err := ds.reader.QueryxContext(ctx, `
		SELECT queue, CAST(AVG(started_at - created_at) AS INTEGER)
		FROM jobs WHERE started_at IS NOT NULL AND started_at >= ?
		GROUP BY queue`,
		cutoff,
	)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "average queue wait by queue")
	}
	defer waitRows.Close()
	for waitRows.Next() {
		var queue string
		var avg int64
		if err := waitRows.Scan(&queue, &avg); err != nil {
			return nil, ctxerr.Wrap(ctx, err, "scan queue wait")
		}
		stats.AvgWaitMsByQueue[queue] = avg
	}
	if err := waitRows.Err(); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "iterate queue waits")
	}

	size, err := ds.Size(ctx)
	if err != nil {
		return nil, err
	}
	stats.DBSizeBytes = size
	return stats, nil
}

// ReferencedArtifactPaths collects the artifact paths referenced by any job
// row. Artifacts are stored as a JSON array of file paths.
func (ds *Datastore) ReferencedArtifactPaths(ctx context.Context) (map[string]struct{}, error) {
	var blobs [][]byte
	if err := sqlx.SelectContext(ctx, ds.reader, &blobs,
		`SELECT artifacts FROM jobs WHERE artifacts IS NOT NULL`,
	); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "select artifact references")
	}

	refs := map[string]struct{}{}
	for _, blob := range blobs {
		var paths []string
		if err := json.Unmarshal(blob, &paths); err != nil {
			// Malformed artifact entries are skipped rather than blocking GC.
			continue
		}
		for _, p := range paths {
			refs[p] = struct{}{}
		}
	}
	return refs, nil
}

// CleanupFinishedJobs deletes terminal jobs that finished before the cutoff
// and prunes subject ledger rows that no longer have any jobs.
func (ds *Datastore) CleanupFinishedJobs(ctx context.Context, cutoffMillis int64) (int64, error) {
	var deleted int64
	err := ds.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		query, args, err := sqlx.In(`
			DELETE FROM jobs
			WHERE state IN (?) AND finished_at IS NOT NULL AND finished_at < ?`,
			terminalStateArgs(), cutoffMillis,
		)
		if err != nil {
			return ctxerr.Wrap(ctx, err, "build cleanup query")
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return ctxerr.Wrap(ctx, err, "delete finished jobs")
		}
		deleted, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM subjects WHERE subject_key NOT IN
				(SELECT DISTINCT subject_key FROM jobs WHERE subject_key != '')`,
		); err != nil {
			return ctxerr.Wrap(ctx, err, "prune subject ledger")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
