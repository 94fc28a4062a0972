package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	configpkg "github.com/josongmin/semantica-task-engine/server/config"
	"github.com/josongmin/semantica-task-engine/server/datastore/sqlite"
	"github.com/josongmin/semantica-task-engine/server/executor"
	"github.com/josongmin/semantica-task-engine/server/maintenance"
	"github.com/josongmin/semantica-task-engine/server/probe"
	"github.com/josongmin/semantica-task-engine/server/recovery"
	"github.com/josongmin/semantica-task-engine/server/service"
	"github.com/josongmin/semantica-task-engine/server/version"
	"github.com/josongmin/semantica-task-engine/server/worker"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 30 * time.Second
	startupTimeout  = 30 * time.Second
)

func createServeCmd(configManager configpkg.Manager) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the semantica daemon",
		Long: `
Run the semantica daemon.

The daemon persists jobs to an embedded SQLite database under data_dir,
executes them on the configured worker queues, and serves the JSON-RPC API
on the local rpc.bind listener.
`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := configManager.LoadConfig()
			logger := initLogger(cfg)

			ds, err := sqlite.New(cfg.DatabasePath(), sqlite.Logger(kitlog.With(logger, "component", "datastore")))
			if err != nil {
				initFatal(err, "initializing datastore")
			}
			defer ds.Close()

			startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
			defer cancelStartup()

			schemaVersion, err := ds.MigrationStatus(startupCtx)
			if err != nil {
				initFatal(err, "retrieving migration status")
			}
			level.Info(logger).Log("msg", "database ready",
				"path", cfg.DatabasePath(), "schema_version", schemaVersion)

			for _, dir := range []string{cfg.LogsDir(), cfg.ArtifactsDir(), cfg.Executor.WorkRoot} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					initFatal(err, "creating data directories")
				}
			}

			sysProbe := probe.New(
				kitlog.With(logger, "component", "probe"),
				cfg.Worker.IdleCPUThresholdPct,
				cfg.Probe.AssumeOnAC,
			)

			registry := executor.NewRegistry(kitlog.With(logger, "component", "registry"), clock.C)
			subprocess := executor.NewSubprocess(
				kitlog.With(logger, "component", "subprocess"),
				clock.C,
				ds,
				executor.SubprocessOptions{
					WorkRoot:     cfg.Executor.WorkRoot,
					LogsDir:      cfg.LogsDir(),
					EnvAllowlist: cfg.Executor.EnvAllowlist,
					KillGrace:    cfg.Executor.KillGrace,
				},
			)

			recoverer := recovery.New(
				kitlog.With(logger, "component", "recovery"),
				clock.C, ds, subprocess, cfg.Recovery.Window,
			)
			if err := recoverer.Run(startupCtx); err != nil {
				// Recovery failures on individual jobs are not fatal; the
				// sweep retries on its next pass.
				level.Error(logger).Log("msg", "crash recovery incomplete", "err", err)
			}

			promRegistry := prometheus.NewRegistry()
			promRegistry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := worker.NewMetrics(promRegistry)

			pool := worker.NewPool(
				kitlog.With(logger, "component", "worker"),
				clock.C, ds, sysProbe, registry, subprocess, metrics,
				worker.PoolOptions{
					Queues:         cfg.Worker.Queues,
					SlotsPerQueue:  cfg.Worker.Count,
					CPUThrottlePct: cfg.Worker.CPUThrottleThresholdPct,
					DrainTimeout:   cfg.Worker.ShutdownDrainTimeout,
					Retry:          worker.RetryPolicy{BaseDelay: cfg.Worker.RetryBaseDelay},
				},
			)

			maintainer := maintenance.New(
				kitlog.With(logger, "component", "maintenance"),
				clock.C, ds,
				maintenance.Options{
					RetentionDays:         cfg.Maintenance.RetentionDays,
					ArtifactRetentionDays: cfg.Maintenance.ArtifactRetentionDays,
					MaxDBSizeBytes:        int64(cfg.Maintenance.MaxDBSizeMB) * 1024 * 1024,
					LogsDir:               cfg.LogsDir(),
					ArtifactsDir:          cfg.ArtifactsDir(),
				},
			)

			svc := service.New(
				kitlog.With(logger, "component", "service"),
				clock.C, ds, sysProbe, pool, subprocess, maintainer,
				service.Options{
					MaxPayloadBytes: cfg.RPC.MaxPayloadBytes,
					LogsDir:         cfg.LogsDir(),
				},
			)
			rpcHandler, err := service.NewHandler(
				kitlog.With(logger, "component", "http"),
				svc,
				service.HandlerOptions{
					// Envelope overhead on top of the payload cap.
					MaxBodyBytes:    int64(cfg.RPC.MaxPayloadBytes) + 64*1024,
					RateLimitPerSec: cfg.RPC.RateLimitPerSec,
					RateLimitBurst:  cfg.RPC.RateLimitBurst,
				},
			)
			if err != nil {
				initFatal(err, "initializing rpc handler")
			}

			mux := http.NewServeMux()
			mux.Handle("/rpc", rpcHandler)
			mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
			mux.Handle("/version", version.Handler())

			listener, err := newListener(cfg.RPC.Bind)
			if err != nil {
				initFatal(err, "opening rpc listener")
			}

			var g run.Group

			workerCtx, cancelWorkers := context.WithCancel(context.Background())
			g.Add(func() error {
				return pool.Run(workerCtx)
			}, func(error) {
				cancelWorkers()
			})

			maintCtx, cancelMaint := context.WithCancel(context.Background())
			g.Add(func() error {
				return runMaintenanceLoop(maintCtx, logger, maintainer, recoverer, cfg.Maintenance.Interval)
			}, func(error) {
				cancelMaint()
			})

			srv := &http.Server{
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			g.Add(func() error {
				level.Info(logger).Log("transport", "http", "address", cfg.RPC.Bind, "msg", "listening")
				return srv.Serve(listener)
			}, func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				srv.Shutdown(ctx) //nolint:errcheck
			})

			sigCtx, cancelSig := context.WithCancel(context.Background())
			defer cancelSig()
			g.Add(run.SignalHandler(sigCtx, os.Interrupt, syscall.SIGTERM))

			err = g.Run()
			var sigErr run.SignalError
			if err != nil && !errors.As(err, &sigErr) && !errors.Is(err, http.ErrServerClosed) {
				level.Error(logger).Log("msg", "unexpected exit", "err", err)
			}
			level.Info(logger).Log("msg", "terminated")
		},
	}

	return serveCmd
}

// newListener opens the RPC listener. bind is either a loopback host:port or
// a "unix://" socket path.
func newListener(bind string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(bind, "unix://"); ok {
		// A socket left behind by an unclean shutdown blocks the bind.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", bind)
}

// runMaintenanceLoop drives periodic maintenance and the stale-run sweep
// until ctx is cancelled.
func runMaintenanceLoop(
	ctx context.Context,
	logger kitlog.Logger,
	maintainer *maintenance.Maintainer,
	recoverer *recovery.Recoverer,
	interval time.Duration,
) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	// The stale sweep runs far more often than GC so an exited process is
	// noticed within minutes, not days.
	sweepTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()
	gcTicker := time.NewTicker(interval)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			if err := recoverer.SweepStale(ctx); err != nil {
				level.Error(logger).Log("msg", "stale run sweep failed", "err", err)
			}
		case <-gcTicker.C:
			resp, err := maintainer.Run(ctx, false)
			if err != nil {
				level.Error(logger).Log("msg", "maintenance run failed", "err", err)
				continue
			}
			level.Info(logger).Log("msg", "maintenance completed",
				"jobs_deleted", resp.JobsDeleted,
				"artifacts_deleted", resp.ArtifactsDeleted,
				"vacuum_run", resp.VacuumRun,
				"db_size_bytes", resp.DBSizeAfterBytes)
		}
	}
}
