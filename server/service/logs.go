package service

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/josongmin/semantica-task-engine/server/contexts/ctxerr"
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

const (
	defaultTailLimit = 64 * 1024
	maxTailLimit     = 1 << 20
)

// TailLogs reads a byte range of the job's capture file. EOF is reported
// only once the job is terminal and the offset reached end-of-file, so
// clients can poll a RUNNING job without treating a momentary end of data as
// completion.
func (svc *Service) TailLogs(ctx context.Context, req semantica.TailLogsRequest) (*semantica.TailLogsResponse, error) {
	if req.JobID == "" {
		return nil, semantica.NewValidationError("job_id", "must not be empty")
	}
	if req.Offset < 0 {
		return nil, semantica.NewValidationError("offset", "must not be negative")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultTailLimit
	}
	if limit > maxTailLimit {
		limit = maxTailLimit
	}

	job, err := svc.ds.Job(ctx, req.JobID)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(svc.opts.LogsDir, job.ID+".log")
	if job.LogPath != nil {
		logPath = *job.LogPath
	}

	f, err := os.Open(logPath)
	if os.IsNotExist(err) {
		// No output yet (or an in-process job that never writes one).
		return &semantica.TailLogsResponse{
			NextOffset: req.Offset,
			EOF:        job.State.Terminal(),
		}, nil
	}
	if err != nil {
		return nil, ctxerr.Wrapf(ctx, err, "open log %s", logPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "stat log")
	}
	size := info.Size()

	offset := req.Offset
	if offset > size {
		offset = size
	}

	buf := make([]byte, limit)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, ctxerr.Wrap(ctx, err, "read log")
	}

	next := offset + int64(n)
	return &semantica.TailLogsResponse{
		Chunk:      string(buf[:n]),
		NextOffset: next,
		EOF:        job.State.Terminal() && next >= size,
	}, nil
}
