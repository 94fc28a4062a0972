// Package config implements the configuration surface of the semantica task
// engine, loaded from flags, environment variables and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "SEMANTICA"

// RPCConfig defines configs related to the local RPC listener.
type RPCConfig struct {
	// Bind is a loopback host:port or a unix socket path prefixed with
	// "unix://".
	Bind            string `yaml:"bind"`
	MaxPayloadBytes int    `yaml:"max_payload_bytes"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
	RateLimitPerSec int    `yaml:"rate_limit_per_sec"`
}

// WorkerConfig defines configs related to the worker pool.
type WorkerConfig struct {
	Count                   int           `yaml:"count"`
	Queues                  []string      `yaml:"queues"`
	IdleCPUThresholdPct     float64       `yaml:"idle_cpu_threshold_pct"`
	CPUThrottleThresholdPct float64       `yaml:"cpu_throttle_threshold_pct"`
	RetryBaseDelay          time.Duration `yaml:"retry_base_delay"`
	ShutdownDrainTimeout    time.Duration `yaml:"shutdown_drain_timeout"`
}

// ExecutorConfig defines configs related to subprocess execution.
type ExecutorConfig struct {
	WorkRoot     string        `yaml:"work_root"`
	EnvAllowlist []string      `yaml:"env_allowlist"`
	KillGrace    time.Duration `yaml:"kill_grace"`
}

// MaintenanceConfig defines configs related to periodic GC and compaction.
type MaintenanceConfig struct {
	Interval              time.Duration `yaml:"interval"`
	RetentionDays         int           `yaml:"retention_days"`
	ArtifactRetentionDays int           `yaml:"artifact_retention_days"`
	MaxDBSizeMB           int           `yaml:"max_db_size_mb"`
}

// RecoveryConfig defines configs for the startup orphan pass.
type RecoveryConfig struct {
	Window time.Duration `yaml:"window"`
}

// ProbeConfig defines configs related to the system probe.
type ProbeConfig struct {
	// AssumeOnAC controls the power fallback on hosts without a battery.
	AssumeOnAC bool `yaml:"assume_on_ac"`
}

// LoggingConfig defines configs related to logging.
type LoggingConfig struct {
	Debug bool
	JSON  bool
}

// SemanticaConfig is the complete configuration of the daemon.
type SemanticaConfig struct {
	DataDir     string `yaml:"data_dir"`
	RPC         RPCConfig
	Worker      WorkerConfig
	Executor    ExecutorConfig
	Maintenance MaintenanceConfig
	Recovery    RecoveryConfig
	Probe       ProbeConfig
	Logging     LoggingConfig
}

// DatabasePath returns the path of the embedded metadata database.
func (c SemanticaConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "meta.db")
}

// LogsDir returns the directory holding per-job log files.
func (c SemanticaConfig) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ArtifactsDir returns the out-of-band artifacts directory.
func (c SemanticaConfig) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "semantica")
	}
	return filepath.Join(dir, "semantica")
}

// addConfigs sets up the configuration keys available in the tool.
func (man Manager) addConfigs() {
	man.addConfigString("data_dir", defaultDataDir(),
		"Root directory for meta.db, logs and artifacts")

	// RPC
	man.addConfigString("rpc.bind", "127.0.0.1:8943",
		"Loopback address or unix:// socket path to listen on")
	man.addConfigInt("rpc.max_payload_bytes", 10_000_000,
		"Maximum serialized payload size accepted by enqueue")
	man.addConfigInt("rpc.rate_limit_burst", 200,
		"Token bucket burst size per RPC method")
	man.addConfigInt("rpc.rate_limit_per_sec", 100,
		"Token bucket refill rate per RPC method")

	// Worker
	man.addConfigInt("worker.count", 2,
		"Number of worker slots per queue")
	man.addConfigString("worker.queues", "default",
		"Comma-separated list of queues to serve")
	man.addConfigFloat("worker.idle_cpu_threshold_pct", 30,
		"CPU percentage below which the system is considered idle")
	man.addConfigFloat("worker.cpu_throttle_threshold_pct", 90,
		"CPU percentage above which workers pause popping jobs")
	man.addConfigDuration("worker.retry_base_delay", time.Second,
		"Base delay for exponential retry backoff")
	man.addConfigDuration("worker.shutdown_drain_timeout", 30*time.Second,
		"How long shutdown waits for running jobs to drain")

	// Executor
	man.addConfigString("executor.work_root", "",
		"Root directory confining subprocess working directories (defaults to data_dir)")
	man.addConfigString("executor.env_allowlist", "PATH,HOME,USER,TERM,LANG",
		"Comma-separated parent environment variables passed to subprocesses")
	man.addConfigDuration("executor.kill_grace", 2*time.Second,
		"Grace between the terminate and kill signals")

	// Maintenance
	man.addConfigDuration("maintenance.interval", 24*time.Hour,
		"Interval between periodic maintenance runs")
	man.addConfigInt("maintenance.retention_days", 7,
		"Days finished jobs are retained before GC")
	man.addConfigInt("maintenance.artifact_retention_days", 3,
		"Days unreferenced artifacts are retained before GC")
	man.addConfigInt("maintenance.max_db_size_mb", 1024,
		"Database size beyond which VACUUM is scheduled")

	// Recovery
	man.addConfigDuration("recovery.window", 5*time.Minute,
		"How long after started_at a RUNNING job is deemed orphaned")

	// Probe
	man.addConfigBool("probe.assume_on_ac", true,
		"Treat hosts without a battery as plugged in")

	// Logging
	man.addConfigBool("logging.debug", false,
		"Enable debug logging")
	man.addConfigBool("logging.json", false,
		"Log in JSON format")
}

// LoadConfig will load the config variables into a fully initialized
// SemanticaConfig struct.
func (man Manager) LoadConfig() SemanticaConfig {
	man.loadConfigFile()

	cfg := SemanticaConfig{
		DataDir: man.getConfigString("data_dir"),
		RPC: RPCConfig{
			Bind:            man.getConfigString("rpc.bind"),
			MaxPayloadBytes: man.getConfigInt("rpc.max_payload_bytes"),
			RateLimitBurst:  man.getConfigInt("rpc.rate_limit_burst"),
			RateLimitPerSec: man.getConfigInt("rpc.rate_limit_per_sec"),
		},
		Worker: WorkerConfig{
			Count:                   man.getConfigInt("worker.count"),
			Queues:                  splitList(man.getConfigString("worker.queues")),
			IdleCPUThresholdPct:     man.getConfigFloat("worker.idle_cpu_threshold_pct"),
			CPUThrottleThresholdPct: man.getConfigFloat("worker.cpu_throttle_threshold_pct"),
			RetryBaseDelay:          man.getConfigDuration("worker.retry_base_delay"),
			ShutdownDrainTimeout:    man.getConfigDuration("worker.shutdown_drain_timeout"),
		},
		Executor: ExecutorConfig{
			WorkRoot:     man.getConfigString("executor.work_root"),
			EnvAllowlist: splitList(man.getConfigString("executor.env_allowlist")),
			KillGrace:    man.getConfigDuration("executor.kill_grace"),
		},
		Maintenance: MaintenanceConfig{
			Interval:              man.getConfigDuration("maintenance.interval"),
			RetentionDays:         man.getConfigInt("maintenance.retention_days"),
			ArtifactRetentionDays: man.getConfigInt("maintenance.artifact_retention_days"),
			MaxDBSizeMB:           man.getConfigInt("maintenance.max_db_size_mb"),
		},
		Recovery: RecoveryConfig{
			Window: man.getConfigDuration("recovery.window"),
		},
		Probe: ProbeConfig{
			AssumeOnAC: man.getConfigBool("probe.assume_on_ac"),
		},
		Logging: LoggingConfig{
			Debug: man.getConfigBool("logging.debug"),
			JSON:  man.getConfigBool("logging.json"),
		},
	}

	if cfg.Executor.WorkRoot == "" {
		cfg.Executor.WorkRoot = cfg.DataDir
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// IsSet determines whether a given config key has been explicitly set by any
// of the configuration sources. If false, the default value is being used.
func (man Manager) IsSet(key string) bool {
	return man.viper.IsSet(key)
}

// envNameFromConfigKey converts a config key into the corresponding
// environment variable name.
func envNameFromConfigKey(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.Replace(key, ".", "_", -1))
}

// flagNameFromConfigKey converts a config key into the corresponding flag name.
func flagNameFromConfigKey(key string) string {
	return strings.Replace(key, ".", "_", -1)
}

// Manager manages the addition and retrieval of config values for the
// semantica daemon. Its only public API methods are LoadConfig and IsSet.
type Manager struct {
	viper    *viper.Viper
	command  *cobra.Command
	defaults map[string]interface{}
}

// NewManager initializes a Manager wrapping the provided cobra command. All
// config flags will be attached to that command (and inherited by the
// subcommands). Typically this should be called just once, with the root
// command.
func NewManager(command *cobra.Command) Manager {
	man := Manager{
		viper:    viper.New(),
		command:  command,
		defaults: map[string]interface{}{},
	}
	man.addConfigs()
	return man
}

// addDefault will check for duplication, then add a default value to the
// defaults map.
func (man Manager) addDefault(key string, defVal interface{}) {
	if _, exists := man.defaults[key]; exists {
		panic("Trying to add duplicate config for key " + key)
	}
	man.defaults[key] = defVal
}

func getFlagUsage(key string, usage string) string {
	return fmt.Sprintf("Env: %s\n\t\t%s", envNameFromConfigKey(key), usage)
}

// getInterfaceVal is a helper function used by the getConfig* functions to
// retrieve the config value as interface{}, which will then be cast to the
// appropriate type by the getConfig* function.
func (man Manager) getInterfaceVal(key string) interface{} {
	interfaceVal := man.viper.Get(key)
	if interfaceVal == nil {
		var ok bool
		interfaceVal, ok = man.defaults[key]
		if !ok {
			panic("Tried to look up default value for nonexistent config option: " + key)
		}
	}
	return interfaceVal
}

func (man Manager) addConfigString(key, defVal, usage string) {
	man.command.PersistentFlags().String(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	man.viper.BindEnv(key, envNameFromConfigKey(key))
	man.addDefault(key, defVal)
}

func (man Manager) getConfigString(key string) string {
	interfaceVal := man.getInterfaceVal(key)
	stringVal, err := cast.ToStringE(interfaceVal)
	if err != nil {
		panic("Unable to cast to string for key " + key + ": " + err.Error())
	}
	return stringVal
}

func (man Manager) addConfigInt(key string, defVal int, usage string) {
	man.command.PersistentFlags().Int(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	man.viper.BindEnv(key, envNameFromConfigKey(key))
	man.addDefault(key, defVal)
}

func (man Manager) getConfigInt(key string) int {
	interfaceVal := man.getInterfaceVal(key)
	intVal, err := cast.ToIntE(interfaceVal)
	if err != nil {
		panic("Unable to cast to int for key " + key + ": " + err.Error())
	}
	return intVal
}

func (man Manager) addConfigFloat(key string, defVal float64, usage string) {
	man.command.PersistentFlags().Float64(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	man.viper.BindEnv(key, envNameFromConfigKey(key))
	man.addDefault(key, defVal)
}

func (man Manager) getConfigFloat(key string) float64 {
	interfaceVal := man.getInterfaceVal(key)
	floatVal, err := cast.ToFloat64E(interfaceVal)
	if err != nil {
		panic("Unable to cast to float for key " + key + ": " + err.Error())
	}
	return floatVal
}

func (man Manager) addConfigBool(key string, defVal bool, usage string) {
	man.command.PersistentFlags().Bool(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	man.viper.BindEnv(key, envNameFromConfigKey(key))
	man.addDefault(key, defVal)
}

func (man Manager) getConfigBool(key string) bool {
	interfaceVal := man.getInterfaceVal(key)
	boolVal, err := cast.ToBoolE(interfaceVal)
	if err != nil {
		panic("Unable to cast to bool for key " + key + ": " + err.Error())
	}
	return boolVal
}

func (man Manager) addConfigDuration(key string, defVal time.Duration, usage string) {
	man.command.PersistentFlags().Duration(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	man.viper.BindEnv(key, envNameFromConfigKey(key))
	man.addDefault(key, defVal)
}

func (man Manager) getConfigDuration(key string) time.Duration {
	interfaceVal := man.getInterfaceVal(key)
	durationVal, err := cast.ToDurationE(interfaceVal)
	if err != nil {
		panic("Unable to cast to duration for key " + key + ": " + err.Error())
	}
	return durationVal
}

// loadConfigFile handles the loading of the config file.
func (man Manager) loadConfigFile() {
	man.viper.SetConfigType("yaml")

	configFile := man.command.PersistentFlags().Lookup("config").Value.String()
	if configFile == "" {
		// No config file set, only use configs from env vars/flags/defaults.
		return
	}

	man.viper.SetConfigFile(configFile)
	if err := man.viper.ReadInConfig(); err != nil {
		fmt.Println("Error loading config file:", err)
		os.Exit(1)
	}
}

// TestConfig returns a barebones configuration suitable for use in tests.
// Individual tests may want to override some of the values provided.
func TestConfig() SemanticaConfig {
	return SemanticaConfig{
		DataDir: os.TempDir(),
		RPC: RPCConfig{
			Bind:            "127.0.0.1:0",
			MaxPayloadBytes: 10_000_000,
			RateLimitBurst:  1000,
			RateLimitPerSec: 1000,
		},
		Worker: WorkerConfig{
			Count:                   1,
			Queues:                  []string{"default"},
			IdleCPUThresholdPct:     30,
			CPUThrottleThresholdPct: 90,
			RetryBaseDelay:          time.Second,
			ShutdownDrainTimeout:    time.Second,
		},
		Executor: ExecutorConfig{
			WorkRoot:     os.TempDir(),
			EnvAllowlist: []string{"PATH", "HOME", "USER", "TERM", "LANG"},
			KillGrace:    100 * time.Millisecond,
		},
		Maintenance: MaintenanceConfig{
			Interval:              24 * time.Hour,
			RetentionDays:         7,
			ArtifactRetentionDays: 3,
			MaxDBSizeMB:           1024,
		},
		Recovery: RecoveryConfig{Window: 5 * time.Minute},
		Probe:    ProbeConfig{AssumeOnAC: true},
		Logging:  LoggingConfig{Debug: true},
	}
}
