//go:build !windows

package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/josongmin/semantica-task-engine/server/semantica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu       sync.Mutex
	pids     map[string]int64
	logPaths map[string]string
}

func newMemRecorder() *memRecorder {
	return &memRecorder{pids: map[string]int64{}, logPaths: map[string]string{}}
}

func (r *memRecorder) SetJobPID(_ context.Context, id string, pid int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[id] = pid
	return nil
}

func (r *memRecorder) ClearJobPID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pids, id)
	return nil
}

func (r *memRecorder) SetJobLogPath(_ context.Context, id string, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logPaths[id] = path
	return nil
}

func testSubprocess(t *testing.T) (*Subprocess, *memRecorder, string) {
	t.Helper()
	root := t.TempDir()
	recorder := newMemRecorder()
	s := NewSubprocess(log.NewNopLogger(), clock.C, recorder, SubprocessOptions{
		WorkRoot:     root,
		LogsDir:      filepath.Join(root, "logs"),
		EnvAllowlist: []string{"PATH", "HOME"},
		KillGrace:    200 * time.Millisecond,
	})
	return s, recorder, root
}

func subprocessJob(t *testing.T, payload subprocessPayload) *semantica.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &semantica.Job{
		ID:            "j1",
		JobType:       "run_command",
		Payload:       raw,
		ExecutionMode: semantica.ExecutionModeSubprocess,
	}
}

func TestSubprocessSuccessCapturesOutput(t *testing.T) {
	s, recorder, _ := testSubprocess(t)
	job := subprocessJob(t, subprocessPayload{
		Command: "/bin/sh", Args: []string{"-c", "echo hello"},
	})

	result, err := s.Run(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	assert.Equal(t, "exit 0", result.Summary)

	// PID cleared on exit, log path recorded and populated.
	assert.Empty(t, recorder.pids)
	data, err := os.ReadFile(recorder.logPaths[job.ID])
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestSubprocessExitCodeClassification(t *testing.T) {
	s, _, _ := testSubprocess(t)

	job := subprocessJob(t, subprocessPayload{
		Command: "/bin/sh", Args: []string{"-c", "exit 3"},
	})
	result, err := s.Run(context.Background(), job)
	require.Error(t, err)
	assert.False(t, semantica.IsTransientExec(err))
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 3, *result.ExitCode)

	job = subprocessJob(t, subprocessPayload{
		Command: "/bin/sh", Args: []string{"-c", "exit 3"},
		RetryableExitCodes: []int{3},
	})
	_, err = s.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, semantica.IsTransientExec(err))
}

func TestSubprocessSpawnFailureIsInfra(t *testing.T) {
	s, _, _ := testSubprocess(t)
	job := subprocessJob(t, subprocessPayload{Command: "/no/such/binary"})
	_, err := s.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, semantica.IsTransientExec(err))
}

func TestSubprocessEmptyCommandIsPermanent(t *testing.T) {
	s, _, _ := testSubprocess(t)
	job := subprocessJob(t, subprocessPayload{})
	_, err := s.Run(context.Background(), job)
	require.Error(t, err)
	assert.False(t, semantica.IsTransientExec(err))
}

func TestSubprocessWorkDirConfinement(t *testing.T) {
	s, _, root := testSubprocess(t)

	dir, err := s.resolveWorkDir("sub/dir")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "dir"), dir)

	_, err = s.resolveWorkDir("../outside")
	assert.Error(t, err)
	_, err = s.resolveWorkDir("/etc")
	assert.Error(t, err)
}

func TestSubprocessCancelKillsProcessGroup(t *testing.T) {
	s, recorder, _ := testSubprocess(t)
	job := subprocessJob(t, subprocessPayload{
		Command: "/bin/sh", Args: []string{"-c", "sleep 60"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, job)
		done <- err
	}()

	// Wait for the pid to be recorded, then cancel.
	require.Eventually(t, func() bool {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		return len(recorder.pids) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("subprocess did not stop after cancel")
	}
}

func TestSubprocessEnvAllowlist(t *testing.T) {
	s, recorder, _ := testSubprocess(t)
	t.Setenv("SECRET_TOKEN", "hunter2")

	env := json.RawMessage(`{"JOB_VAR":"42"}`)
	raw, err := json.Marshal(subprocessPayload{
		Command: "/bin/sh", Args: []string{"-c", "env"},
	})
	require.NoError(t, err)
	job := &semantica.Job{
		ID: "j-env", JobType: "run_command", Payload: raw,
		ExecutionMode: semantica.ExecutionModeSubprocess,
		Env:           &env,
	}

	_, err = s.Run(context.Background(), job)
	require.NoError(t, err)

	data, err := os.ReadFile(recorder.logPaths[job.ID])
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "JOB_VAR=42")
	assert.NotContains(t, out, "SECRET_TOKEN")
}
