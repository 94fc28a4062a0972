// Package maintenance implements the periodic storage upkeep: job GC,
// artifact and log GC, and database compaction.
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/josongmin/semantica-task-engine/server/contexts/ctxerr"
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

// Options configure a Maintainer.
type Options struct {
	// RetentionDays is how long finished jobs are kept.
	RetentionDays int
	// ArtifactRetentionDays is how long unreferenced artifact files are kept.
	ArtifactRetentionDays int
	// MaxDBSizeBytes triggers VACUUM when exceeded.
	MaxDBSizeBytes int64
	// LogsDir and ArtifactsDir are the on-disk companions of the job rows.
	LogsDir      string
	ArtifactsDir string
}

// Maintainer runs maintenance passes on demand; the composition root drives
// it on a timer and the admin RPC triggers it directly.
type Maintainer struct {
	logger log.Logger
	clock  clock.Clock
	ds     semantica.Datastore
	opts   Options
}

// New returns a Maintainer.
func New(logger log.Logger, c clock.Clock, ds semantica.Datastore, opts Options) *Maintainer {
	return &Maintainer{logger: logger, clock: c, ds: ds, opts: opts}
}

// Run executes one maintenance pass. forceVacuum compacts regardless of the
// size threshold. Partial failures are collected; the response reflects what
// actually happened.
func (m *Maintainer) Run(ctx context.Context, forceVacuum bool) (*semantica.MaintenanceResponse, error) {
	resp := &semantica.MaintenanceResponse{}
	var errs *multierror.Error

	sizeBefore, err := m.ds.Size(ctx)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	resp.DBSizeBeforeBytes = sizeBefore

	now := m.clock.Now()
	jobCutoff := now.Add(-time.Duration(m.opts.RetentionDays) * 24 * time.Hour).UnixMilli()
	deleted, err := m.ds.CleanupFinishedJobs(ctx, jobCutoff)
	if err != nil {
		errs = multierror.Append(errs, ctxerr.Wrap(ctx, err, "job gc"))
	}
	resp.JobsDeleted = deleted

	removed, err := m.cleanupArtifacts(ctx, now)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	resp.ArtifactsDeleted = removed

	if err := m.cleanupLogs(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	if forceVacuum || (m.opts.MaxDBSizeBytes > 0 && sizeBefore > m.opts.MaxDBSizeBytes) {
		if err := m.ds.Vacuum(ctx); err != nil {
			errs = multierror.Append(errs, ctxerr.Wrap(ctx, err, "vacuum"))
		} else {
			resp.VacuumRun = true
		}
	}

	sizeAfter, err := m.ds.Size(ctx)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	resp.DBSizeAfterBytes = sizeAfter

	level.Info(m.logger).Log("msg", "maintenance pass complete",
		"jobs_deleted", resp.JobsDeleted, "artifacts_deleted", resp.ArtifactsDeleted,
		"vacuum_run", resp.VacuumRun,
		"db_size_before", resp.DBSizeBeforeBytes, "db_size_after", resp.DBSizeAfterBytes)
	return resp, errs.ErrorOrNil()
}

// cleanupArtifacts removes artifact files past retention that no job row
// references anymore.
func (m *Maintainer) cleanupArtifacts(ctx context.Context, now time.Time) (int64, error) {
	if m.opts.ArtifactsDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(m.opts.ArtifactsDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, ctxerr.Wrap(ctx, err, "read artifacts dir")
	}

	refs, err := m.ds.ReferencedArtifactPaths(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-time.Duration(m.opts.ArtifactRetentionDays) * 24 * time.Hour)
	var removed int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(m.opts.ArtifactsDir, entry.Name())
		if _, referenced := refs[path]; referenced {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			level.Debug(m.logger).Log("msg", "artifact removal failed", "path", path, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// cleanupLogs removes capture files whose job rows were GCed.
func (m *Maintainer) cleanupLogs(ctx context.Context) error {
	if m.opts.LogsDir == "" {
		return nil
	}
	entries, err := os.ReadDir(m.opts.LogsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ctxerr.Wrap(ctx, err, "read logs dir")
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		jobID := strings.TrimSuffix(name, ".log")
		if _, err := m.ds.Job(ctx, jobID); err == nil || !semantica.IsNotFound(err) {
			continue
		}
		path := filepath.Join(m.opts.LogsDir, name)
		if err := os.Remove(path); err != nil {
			level.Debug(m.logger).Log("msg", "log removal failed", "path", path, "err", err)
		}
	}
	return nil
}
