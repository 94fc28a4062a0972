package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/josongmin/semantica-task-engine/server/datastore/sqlite"
	"github.com/josongmin/semantica-task-engine/server/semantica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMaintainer(t *testing.T) (*Maintainer, *sqlite.Datastore, *clock.MockClock, string) {
	t.Helper()
	root := t.TempDir()
	mock := clock.NewMockClock()
	ds, err := sqlite.New(
		filepath.Join(root, "meta.db"),
		sqlite.WithClock(mock),
		sqlite.WithIDProvider(&semantica.SequentialIDProvider{Prefix: "job-"}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	m := New(log.NewNopLogger(), mock, ds, Options{
		RetentionDays:         7,
		ArtifactRetentionDays: 3,
		MaxDBSizeBytes:        1 << 30,
		LogsDir:               filepath.Join(root, "logs"),
		ArtifactsDir:          filepath.Join(root, "artifacts"),
	})
	return m, ds, mock, root
}

func finishedJob(t *testing.T, ds *sqlite.Datastore, mock *clock.MockClock) *semantica.Job {
	t.Helper()
	ctx := context.Background()
	job, err := ds.NewJob(ctx, semantica.NewJobOptions{
		Queue: "default", JobType: "index_file", Payload: []byte(`{}`),
		MaxAttempts: 1, BackoffFactor: 2, ExecutionMode: semantica.ExecutionModeInProcess,
	})
	require.NoError(t, err)
	now := mock.Now().UnixMilli()
	_, err = ds.UpdateJobState(ctx, job.ID, semantica.JobStateDone, &now, nil)
	require.NoError(t, err)
	return job
}

func TestRunDeletesExpiredJobsAndLogs(t *testing.T) {
	m, ds, mock, root := testMaintainer(t)
	ctx := context.Background()

	old := finishedJob(t, ds, mock)
	logsDir := filepath.Join(root, "logs")
	require.NoError(t, os.MkdirAll(logsDir, 0o755))
	oldLog := filepath.Join(logsDir, old.ID+".log")
	require.NoError(t, os.WriteFile(oldLog, []byte("output"), 0o644))

	mock.AddTime(8 * 24 * time.Hour)
	fresh := finishedJob(t, ds, mock)
	freshLog := filepath.Join(logsDir, fresh.ID+".log")
	require.NoError(t, os.WriteFile(freshLog, []byte("output"), 0o644))

	resp, err := m.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.JobsDeleted)
	assert.False(t, resp.VacuumRun)

	_, err = os.Stat(oldLog)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshLog)
	assert.NoError(t, err)
}

func TestRunForceVacuum(t *testing.T) {
	m, _, _, _ := testMaintainer(t)
	resp, err := m.Run(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, resp.VacuumRun)
	assert.Greater(t, resp.DBSizeAfterBytes, int64(0))
}

func TestCleanupArtifactsSparesReferencedAndYoung(t *testing.T) {
	m, _, _, root := testMaintainer(t)
	ctx := context.Background()

	artifactsDir := filepath.Join(root, "artifacts")
	require.NoError(t, os.MkdirAll(artifactsDir, 0o755))

	oldFile := filepath.Join(artifactsDir, "stale.bin")
	require.NoError(t, os.WriteFile(oldFile, []byte("x"), 0o644))
	past := time.Now().Add(-4 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldFile, past, past))

	youngFile := filepath.Join(artifactsDir, "recent.bin")
	require.NoError(t, os.WriteFile(youngFile, []byte("x"), 0o644))

	// Real wall time here: the cutoff is compared against file mtimes.
	removed, err := m.cleanupArtifacts(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(youngFile)
	assert.NoError(t, err)
}
