// Package config loads the optimizer configuration from defaults, an optional
// YAML file, OSDEQ_* environment variables and command-line flags, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/global-data-controller/osd-equalizer/internal/ceph"
	"github.com/global-data-controller/osd-equalizer/internal/controller"
	"github.com/global-data-controller/osd-equalizer/internal/eventbus"
	"github.com/global-data-controller/osd-equalizer/internal/history"
	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
	"github.com/global-data-controller/osd-equalizer/internal/planner"
	"github.com/global-data-controller/osd-equalizer/internal/policy"
	"github.com/global-data-controller/osd-equalizer/internal/safety"
	"github.com/global-data-controller/osd-equalizer/internal/server"
	"github.com/global-data-controller/osd-equalizer/internal/telemetry"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "OSDEQ"

// Config holds the application configuration
type Config struct {
	Ceph       CephConfig                `mapstructure:"ceph"`
	Optimizer  OptimizerConfig           `mapstructure:"optimizer"`
	Settlement safety.SettleConfig       `mapstructure:"settlement"`
	Checkpoint CheckpointConfig          `mapstructure:"checkpoint"`
	Policy     policy.GuardConfig        `mapstructure:"policy"`
	Server     server.Config             `mapstructure:"server"`
	EventBus   eventbus.Config           `mapstructure:"eventbus"`
	History    history.Config            `mapstructure:"history"`
	Telemetry  telemetry.TelemetryConfig `mapstructure:"telemetry"`
	Logging    logging.LoggingConfig     `mapstructure:"logging"`
}

// CephConfig holds the ceph CLI settings
type CephConfig struct {
	Binary         string           `mapstructure:"binary"`
	Cluster        string           `mapstructure:"cluster"`
	Conf           string           `mapstructure:"conf"`
	User           string           `mapstructure:"user"`
	CommandTimeout time.Duration    `mapstructure:"command_timeout"`
	GateFlags      []string         `mapstructure:"gate_flags"`
	TempDir        string           `mapstructure:"temp_dir"`
	Retry          ceph.RetryConfig `mapstructure:"retry"`
}

// OptimizerConfig holds the convergence parameters
type OptimizerConfig struct {
	TargetTolerance    float64 `mapstructure:"target_tolerance"`
	StepFraction       float64 `mapstructure:"step_fraction"`
	Strategy           string  `mapstructure:"strategy"`
	TopK               int     `mapstructure:"top_k"`
	SweepTolerance     float64 `mapstructure:"sweep_tolerance"`
	DeadBand           float64 `mapstructure:"dead_band"`
	TerminationMode    string  `mapstructure:"termination_mode"`
	MaxStallAttempts   int     `mapstructure:"max_stall_attempts"`
	MaxRounds          int     `mapstructure:"max_rounds"`
	NearSuccessEpsilon float64 `mapstructure:"near_success_epsilon"`
	// Strict makes GaveUp exit with a distinct status
	Strict bool `mapstructure:"strict"`
}

// CheckpointConfig locates the on-disk best map checkpoint
type CheckpointConfig struct {
	Path string `mapstructure:"path"`
}

// FlagKeys maps command-line flag names to configuration keys
var FlagKeys = map[string]string{
	"cluster":              "ceph.cluster",
	"ceph-binary":          "ceph.binary",
	"ceph-conf":            "ceph.conf",
	"ceph-user":            "ceph.user",
	"target-tolerance":     "optimizer.target_tolerance",
	"step-fraction":        "optimizer.step_fraction",
	"strategy":             "optimizer.strategy",
	"top-k":                "optimizer.top_k",
	"sweep-tolerance":      "optimizer.sweep_tolerance",
	"dead-band":            "optimizer.dead_band",
	"termination-mode":     "optimizer.termination_mode",
	"max-stall-attempts":   "optimizer.max_stall_attempts",
	"max-rounds":           "optimizer.max_rounds",
	"near-success-epsilon": "optimizer.near_success_epsilon",
	"strict":               "optimizer.strict",
	"settle-timeout":       "settlement.timeout",
	"checkpoint":           "checkpoint.path",
	"policy-file":          "policy.file",
	"log-level":            "logging.level",
	"log-format":           "logging.format",
	"status-port":          "server.port",
}

// Load loads configuration from the default locations and the environment
func Load() (*Config, error) {
	return LoadWithFlags("", nil)
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(configFile string) (*Config, error) {
	return LoadWithFlags(configFile, nil)
}

// LoadWithFlags loads configuration and applies every flag of flags that
// appears in FlagKeys and was set on the command line
func LoadWithFlags(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/osd-equalizer")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// naming a port or a policy on the command line switches the feature on
	if flags != nil {
		if flag := flags.Lookup("status-port"); flag != nil && flag.Changed {
			cfg.Server.Enabled = true
		}
		if flag := flags.Lookup("policy-file"); flag != nil && flag.Changed {
			cfg.Policy.Enabled = true
		}
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Ceph defaults
	retry := ceph.DefaultRetryConfig()
	v.SetDefault("ceph.binary", "ceph")
	v.SetDefault("ceph.cluster", "ceph")
	v.SetDefault("ceph.conf", "")
	v.SetDefault("ceph.user", "")
	v.SetDefault("ceph.command_timeout", "2m")
	v.SetDefault("ceph.gate_flags", ceph.DefaultGateFlags)
	v.SetDefault("ceph.temp_dir", "")
	v.SetDefault("ceph.retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("ceph.retry.initial_delay", retry.InitialDelay)
	v.SetDefault("ceph.retry.max_delay", retry.MaxDelay)
	v.SetDefault("ceph.retry.backoff_factor", retry.BackoffFactor)
	v.SetDefault("ceph.retry.jitter", retry.Jitter)

	// Optimizer defaults
	opts := controller.DefaultOptions()
	v.SetDefault("optimizer.target_tolerance", opts.TargetTolerance)
	v.SetDefault("optimizer.step_fraction", opts.StepFraction)
	v.SetDefault("optimizer.strategy", string(opts.Strategy))
	v.SetDefault("optimizer.top_k", opts.TopK)
	v.SetDefault("optimizer.sweep_tolerance", 0.0)
	v.SetDefault("optimizer.dead_band", 0.0)
	v.SetDefault("optimizer.termination_mode", string(opts.Termination))
	v.SetDefault("optimizer.max_stall_attempts", opts.MaxStallAttempts)
	v.SetDefault("optimizer.max_rounds", opts.MaxRounds)
	v.SetDefault("optimizer.near_success_epsilon", opts.NearSuccessEpsilon)
	v.SetDefault("optimizer.strict", false)

	// Settlement defaults
	settle := safety.DefaultSettleConfig()
	v.SetDefault("settlement.initial_delay", settle.InitialDelay)
	v.SetDefault("settlement.poll_interval", settle.PollInterval)
	v.SetDefault("settlement.timeout", settle.Timeout)

	v.SetDefault("checkpoint.path", "/var/lib/osd-equalizer/checkpoint.json")

	// Policy defaults
	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.file", "")
	v.SetDefault("policy.template", policy.DefaultTemplate)
	v.SetDefault("policy.min_weight", 0.0)
	v.SetDefault("policy.max_weight", 0.0)
	v.SetDefault("policy.max_step_fraction", 0.0)

	// Status server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")

	// Event bus defaults
	bus := eventbus.DefaultConfig()
	v.SetDefault("eventbus.enabled", bus.Enabled)
	v.SetDefault("eventbus.url", bus.URL)
	v.SetDefault("eventbus.stream_name", bus.StreamName)
	v.SetDefault("eventbus.max_age", bus.MaxAge)
	v.SetDefault("eventbus.max_bytes", bus.MaxBytes)
	v.SetDefault("eventbus.max_msgs", bus.MaxMsgs)
	v.SetDefault("eventbus.replicas", bus.Replicas)
	v.SetDefault("eventbus.connect_timeout", bus.ConnectTimeout)
	v.SetDefault("eventbus.reconnect_wait", bus.ReconnectWait)
	v.SetDefault("eventbus.max_reconnect_attempts", bus.MaxReconnectAttempts)

	// History defaults
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "grpc://localhost:2136/local")
	v.SetDefault("history.token", "")
	v.SetDefault("history.timeout", "10s")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.prometheus_port", 0)
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.service_name", "osd-equalizer")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 1.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.error_path", "stderr")
}

// Validate reports inconsistent settings. Every error wraps models.ErrConfiguration.
func (c *Config) Validate() error {
	if c.Ceph.Cluster == "" {
		return models.Configurationf("ceph.cluster is required")
	}
	if c.Ceph.CommandTimeout <= 0 {
		return models.Configurationf("ceph.command_timeout must be positive, got %s", c.Ceph.CommandTimeout)
	}
	if c.Ceph.Retry.MaxAttempts < 1 {
		return models.Configurationf("ceph.retry.max_attempts must be >= 1, got %d", c.Ceph.Retry.MaxAttempts)
	}

	if _, err := c.ControllerOptions(); err != nil {
		return err
	}

	if c.Settlement.InitialDelay < 0 {
		return models.Configurationf("settlement.initial_delay must be >= 0, got %s", c.Settlement.InitialDelay)
	}
	if c.Settlement.PollInterval <= 0 {
		return models.Configurationf("settlement.poll_interval must be positive, got %s", c.Settlement.PollInterval)
	}
	if c.Settlement.Timeout < c.Settlement.PollInterval {
		return models.Configurationf("settlement.timeout %s is shorter than the poll interval %s",
			c.Settlement.Timeout, c.Settlement.PollInterval)
	}

	if c.Policy.Enabled {
		if c.Policy.MinWeight < 0 || (c.Policy.MaxWeight > 0 && c.Policy.MaxWeight < c.Policy.MinWeight) {
			return models.Configurationf("policy weight bounds [%v, %v] are inconsistent", c.Policy.MinWeight, c.Policy.MaxWeight)
		}
		if c.Policy.MaxStepFraction < 0 || math.IsNaN(c.Policy.MaxStepFraction) {
			return models.Configurationf("policy.max_step_fraction must be >= 0, got %v", c.Policy.MaxStepFraction)
		}
	}

	if err := c.Server.Validate(); err != nil {
		return models.Configurationf("server: %v", err)
	}
	if err := c.EventBus.Validate(); err != nil {
		return models.Configurationf("eventbus: %v", err)
	}
	if c.History.Enabled && c.History.DSN == "" {
		return models.Configurationf("history.dsn is required when history is enabled")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return models.Configurationf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}

// ControllerOptions builds the immutable controller options
func (c *Config) ControllerOptions() (controller.Options, error) {
	strategy, err := planner.ParseStrategy(c.Optimizer.Strategy)
	if err != nil {
		return controller.Options{}, err
	}
	termination, err := controller.ParseTerminationMode(c.Optimizer.TerminationMode)
	if err != nil {
		return controller.Options{}, err
	}

	opts := controller.Options{
		Cluster:            c.Ceph.Cluster,
		TargetTolerance:    c.Optimizer.TargetTolerance,
		StepFraction:       c.Optimizer.StepFraction,
		Strategy:           strategy,
		TopK:               c.Optimizer.TopK,
		SweepTolerance:     c.Optimizer.SweepTolerance,
		DeadBand:           c.Optimizer.DeadBand,
		Termination:        termination,
		MaxStallAttempts:   c.Optimizer.MaxStallAttempts,
		MaxRounds:          c.Optimizer.MaxRounds,
		NearSuccessEpsilon: c.Optimizer.NearSuccessEpsilon,
	}
	if err := opts.Validate(); err != nil {
		return controller.Options{}, err
	}
	return opts, nil
}

// CLIConfig builds the ceph CLI adapter configuration
func (c *Config) CLIConfig(logger logging.Logger) *ceph.CLIConfig {
	retry := c.Ceph.Retry
	return &ceph.CLIConfig{
		Binary:         c.Ceph.Binary,
		Cluster:        c.Ceph.Cluster,
		ConfFile:       c.Ceph.Conf,
		User:           c.Ceph.User,
		CommandTimeout: c.Ceph.CommandTimeout,
		GateFlags:      append([]string(nil), c.Ceph.GateFlags...),
		TempDir:        c.Ceph.TempDir,
		RetryConfig:    &retry,
		Logger:         logger,
	}
}
