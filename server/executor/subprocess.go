package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/josongmin/semantica-task-engine/server/platform"
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

// RuntimeRecorder persists the runtime fields of a subprocess job so crash
// recovery can find and reap it. Satisfied by the sqlite datastore.
type RuntimeRecorder interface {
	SetJobPID(ctx context.Context, id string, pid int64) error
	ClearJobPID(ctx context.Context, id string) error
	SetJobLogPath(ctx context.Context, id string, path string) error
}

// SubprocessOptions configure the subprocess executor.
type SubprocessOptions struct {
	// WorkRoot confines payload working directories; a working_dir resolving
	// outside it is rejected.
	WorkRoot string
	// LogsDir holds the per-job stdout/stderr capture files.
	LogsDir string
	// EnvAllowlist names the parent environment variables passed through.
	EnvAllowlist []string
	// KillGrace is the pause between the terminate and kill signals.
	KillGrace time.Duration
}

// Subprocess runs jobs as external commands in their own process group,
// capturing combined output to a per-job log file.
type Subprocess struct {
	logger   log.Logger
	clock    clock.Clock
	recorder RuntimeRecorder
	opts     SubprocessOptions
}

// NewSubprocess returns a subprocess executor.
func NewSubprocess(logger log.Logger, c clock.Clock, recorder RuntimeRecorder, opts SubprocessOptions) *Subprocess {
	return &Subprocess{
		logger:   logger,
		clock:    c,
		recorder: recorder,
		opts:     opts,
	}
}

// subprocessPayload is the payload contract of SUBPROCESS jobs.
type subprocessPayload struct {
	Command            string   `json:"command"`
	Args               []string `json:"args,omitempty"`
	WorkingDir         string   `json:"working_dir,omitempty"`
	RetryableExitCodes []int    `json:"retryable_exit_codes,omitempty"`
}

// Run spawns the payload command and blocks until it exits or ctx is
// cancelled. Cancellation triggers the graceful kill sequence against the
// whole process group.
func (s *Subprocess) Run(ctx context.Context, job *semantica.Job) (*semantica.ExecutionResult, error) {
	var payload subprocessPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, semantica.NewPermanentExecError(fmt.Errorf("decode payload: %w", err))
	}
	if payload.Command == "" {
		return nil, semantica.NewPermanentExecError(fmt.Errorf("payload command is empty"))
	}

	workDir, err := s.resolveWorkDir(payload.WorkingDir)
	if err != nil {
		return nil, semantica.NewPermanentExecError(err)
	}

	logPath := filepath.Join(s.opts.LogsDir, job.ID+".log")
	if err := os.MkdirAll(s.opts.LogsDir, 0o755); err != nil {
		return nil, semantica.NewInfraExecError(fmt.Errorf("create logs dir: %w", err))
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, semantica.NewInfraExecError(fmt.Errorf("open log file: %w", err))
	}
	defer logFile.Close()

	env, err := s.buildEnv(job)
	if err != nil {
		return nil, semantica.NewPermanentExecError(err)
	}

	cmd := exec.Command(payload.Command, payload.Args...)
	cmd.Dir = workDir
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	start := s.clock.Now()
	if err := cmd.Start(); err != nil {
		return nil, semantica.NewInfraExecError(fmt.Errorf("start %q: %w", payload.Command, err))
	}

	pid := int64(cmd.Process.Pid)
	if err := s.recorder.SetJobPID(ctx, job.ID, pid); err != nil {
		level.Error(s.logger).Log("msg", "record pid failed", "job_id", job.ID, "err", err)
	}
	if err := s.recorder.SetJobLogPath(ctx, job.ID, logPath); err != nil {
		level.Error(s.logger).Log("msg", "record log path failed", "job_id", job.ID, "err", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		s.killGroup(pid)
		<-waitCh
		waitErr = ctx.Err()
	}

	duration := s.clock.Now().Sub(start)
	if err := s.recorder.ClearJobPID(context.Background(), job.ID); err != nil {
		level.Error(s.logger).Log("msg", "clear pid failed", "job_id", job.ID, "err", err)
	}

	result := &semantica.ExecutionResult{DurationMs: duration.Milliseconds()}
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		result.ExitCode = &code
	}

	if waitErr == context.Canceled || waitErr == context.DeadlineExceeded {
		return result, waitErr
	}
	return s.classifyExit(result, payload, waitErr)
}

func (s *Subprocess) classifyExit(result *semantica.ExecutionResult, payload subprocessPayload, waitErr error) (*semantica.ExecutionResult, error) {
	if waitErr == nil {
		result.Summary = "exit 0"
		return result, nil
	}
	if result.ExitCode == nil {
		return result, semantica.NewInfraExecError(waitErr)
	}

	code := *result.ExitCode
	result.Summary = fmt.Sprintf("exit %d", code)
	for _, retryable := range payload.RetryableExitCodes {
		if code == retryable {
			return result, semantica.NewTransientExecError(
				fmt.Errorf("command exited with retryable code %d", code))
		}
	}
	return result, semantica.NewPermanentExecError(
		fmt.Errorf("command exited with code %d", code))
}

// resolveWorkDir joins the payload working_dir under the configured root
// and rejects paths escaping it.
func (s *Subprocess) resolveWorkDir(workingDir string) (string, error) {
	root, err := filepath.Abs(s.opts.WorkRoot)
	if err != nil {
		return "", fmt.Errorf("resolve work root: %w", err)
	}
	if workingDir == "" {
		return root, nil
	}

	dir := workingDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = filepath.Clean(dir)
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", fmt.Errorf("working_dir %q escapes work root", workingDir)
	}
	return dir, nil
}

// buildEnv combines the allowlisted parent environment with the job's own
// declared variables, job variables winning.
func (s *Subprocess) buildEnv(job *semantica.Job) ([]string, error) {
	jobEnv, err := job.EnvMap()
	if err != nil {
		return nil, fmt.Errorf("decode job env: %w", err)
	}

	var env []string
	for _, key := range s.opts.EnvAllowlist {
		if _, declared := jobEnv[key]; declared {
			continue
		}
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	for key, value := range jobEnv {
		env = append(env, key+"="+value)
	}
	return env, nil
}

// killGroup runs the graceful kill sequence: terminate the process group,
// wait out the grace period, then force-kill whatever remains.
func (s *Subprocess) killGroup(pid int64) {
	if err := platform.TerminateGroup(int32(pid)); err != nil {
		level.Debug(s.logger).Log("msg", "terminate group failed", "pid", pid, "err", err)
	}

	deadline := s.clock.Now().Add(s.opts.KillGrace)
	for s.clock.Now().Before(deadline) {
		if alive, err := platform.ProcessExists(int(pid)); err == nil && !alive {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := platform.KillGroup(int32(pid)); err != nil {
		level.Debug(s.logger).Log("msg", "kill group failed", "pid", pid, "err", err)
	}
}

// Kill runs the graceful kill sequence against an arbitrary recorded pid,
// used by cancel and crash recovery for processes this daemon no longer
// waits on.
func (s *Subprocess) Kill(pid int64) error {
	s.killGroup(pid)
	return nil
}

// Alive reports whether pid refers to a live process.
func (s *Subprocess) Alive(pid int64) bool {
	alive, err := platform.ProcessExists(int(pid))
	if err != nil {
		return false
	}
	return alive
}

var _ semantica.Executor = (*Subprocess)(nil)
