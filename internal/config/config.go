// Package config loads the Dispatcher's configuration surface (spec.md
// §6) via viper/pflag/cobra, in the teacher's exact pattern: a Config
// struct with mapstructure tags, DefaultConfig, RegisterFlags, and Load.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration surface, covering every field
// spec.md §6 names for the Dispatcher plus the ambient HTTP/logging
// surface the CLI needs.
type Config struct {
	MinWorkers int `mapstructure:"min_workers"`
	MaxWorkers int `mapstructure:"max_workers"`

	Model    string `mapstructure:"model"`
	CacheDir string `mapstructure:"cache_dir"`

	ExecutablePath string   `mapstructure:"executable_path"`
	ExecutableArgs []string `mapstructure:"executable_args"`

	MaxQueueSize          int  `mapstructure:"max_queue_size"`
	HealthCheckIntervalMs int  `mapstructure:"health_check_interval_ms"`
	RestartOnFailure      bool `mapstructure:"restart_on_failure"`

	MaxTextLength     int `mapstructure:"max_text_length"`
	RequestTimeoutMs  int `mapstructure:"request_timeout_ms"`
	MaxReselections   int `mapstructure:"max_reselections"`
	AutoscaleInterval int `mapstructure:"autoscale_interval_ms"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	LoadBalancer   LoadBalancerConfig   `mapstructure:"load_balancer"`

	Server   ServerConfig `mapstructure:"server"`
	LogLevel string       `mapstructure:"log_level"`
}

// CircuitBreakerConfig mirrors spec.md §6's `circuitBreaker` config block.
type CircuitBreakerConfig struct {
	FailureThreshold  float64 `mapstructure:"failure_threshold"`
	TimeoutMs         int     `mapstructure:"timeout_ms"`
	ResetTimeoutMs    int     `mapstructure:"reset_timeout_ms"`
	SuccessThreshold  int     `mapstructure:"success_threshold"`
	SlidingWindowSize int     `mapstructure:"sliding_window_size"`
}

// LoadBalancerConfig mirrors spec.md §6's `loadBalancer` config block.
// ModelAffinity is a repeatable "voice=workerId" flag, per SPEC_FULL §12.
type LoadBalancerConfig struct {
	Algorithm             string            `mapstructure:"algorithm"`
	ScaleUpThreshold      float64           `mapstructure:"scale_up_threshold"`
	ScaleUpResponseTimeMs int               `mapstructure:"scale_up_response_time_ms"`
	ScaleDownThresholdMs  int               `mapstructure:"scale_down_threshold_ms"`
	ModelAffinity         map[string]string `mapstructure:"model_affinity"`
}

// ServerConfig covers the ambient HTTP surface (internal/server) that
// sits in front of the Dispatcher.
type ServerConfig struct {
	ListenAddr         string `mapstructure:"listen_addr"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_secs"`
	OutputsDir         string `mapstructure:"outputs_dir"`
}

// LoadOptions binds Load's inputs: the cobra command whose flags were
// registered via RegisterFlags, an optional config file, and the
// defaults to seed viper with.
type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

// DefaultConfig returns the defaults spec.md documents throughout §4.
func DefaultConfig() Config {
	return Config{
		MinWorkers:            1,
		MaxWorkers:            4,
		Model:                 "default",
		CacheDir:              "cache",
		ExecutablePath:        "tts-synth-worker",
		MaxQueueSize:          32,
		HealthCheckIntervalMs: 5000,
		RestartOnFailure:      true,
		MaxTextLength:         4096,
		RequestTimeoutMs:      20000,
		MaxReselections:       2,
		AutoscaleInterval:     5000,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:  0.5,
			TimeoutMs:         15000,
			ResetTimeoutMs:    30000,
			SuccessThreshold:  2,
			SlidingWindowSize: 20,
		},
		LoadBalancer: LoadBalancerConfig{
			Algorithm:             "weighted",
			ScaleUpThreshold:      2,
			ScaleUpResponseTimeMs: 300,
			ScaleDownThresholdMs:  30000,
		},
		Server: ServerConfig{
			ListenAddr:         ":8080",
			ShutdownTimeoutSec: 30,
			OutputsDir:         "",
		},
		LogLevel: "info",
	}
}

// RegisterFlags wires every Config field to a pflag, mirroring the
// teacher's flat-flag-name-plus-alias convention.
func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.Int("min-workers", defaults.MinWorkers, "Minimum worker fleet size, never scaled below")
	fs.Int("max-workers", defaults.MaxWorkers, "Maximum worker fleet size, never scaled above")
	fs.String("model", defaults.Model, "Model name passed to each worker at spawn")
	fs.String("cache-dir", defaults.CacheDir, "Cache directory passed to each worker at spawn")
	fs.String("executable-path", defaults.ExecutablePath, "Path to the synthesizer worker executable")
	fs.StringArray("executable-arg", nil, "Extra argument passed to the synthesizer executable (repeatable)")
	fs.Int("max-queue-size", defaults.MaxQueueSize, "Maximum pending correlations per worker")
	fs.Int("health-check-interval-ms", defaults.HealthCheckIntervalMs, "Health-check ping interval in milliseconds")
	fs.Bool("restart-on-failure", defaults.RestartOnFailure, "Replace a worker that goes unhealthy or exits")
	fs.Int("max-text-length", defaults.MaxTextLength, "Maximum accepted request text length in bytes")
	fs.Int("request-timeout-ms", defaults.RequestTimeoutMs, "Overall per-request deadline in milliseconds")
	fs.Int("max-reselections", defaults.MaxReselections, "Bounded retry count across the fleet per request")
	fs.Int("autoscale-interval-ms", defaults.AutoscaleInterval, "Autoscale advisory evaluation cadence in milliseconds")

	fs.Float64("cb-failure-threshold", defaults.CircuitBreaker.FailureThreshold, "Failure rate that opens a worker's circuit")
	fs.Int("cb-timeout-ms", defaults.CircuitBreaker.TimeoutMs, "Per-call deadline enforced inside the circuit breaker")
	fs.Int("cb-reset-timeout-ms", defaults.CircuitBreaker.ResetTimeoutMs, "Time spent OPEN before the next HALF_OPEN probe")
	fs.Int("cb-success-threshold", defaults.CircuitBreaker.SuccessThreshold, "Successes required in HALF_OPEN to close")
	fs.Int("cb-sliding-window-size", defaults.CircuitBreaker.SlidingWindowSize, "Outcome window capacity")

	fs.String("lb-algorithm", defaults.LoadBalancer.Algorithm, "Selection policy (round_robin|least_connections|response_time|weighted)")
	fs.Float64("lb-scale-up-threshold", defaults.LoadBalancer.ScaleUpThreshold, "Average queue depth that triggers a scale_up advisory")
	fs.Int("lb-scale-up-response-time-ms", defaults.LoadBalancer.ScaleUpResponseTimeMs, "Average response time that triggers a scale_up advisory")
	fs.Int("lb-scale-down-threshold-ms", defaults.LoadBalancer.ScaleDownThresholdMs, "Minimum idle time that triggers a scale_down advisory")
	fs.StringToString("affinity", nil, "Model affinity voice=workerId pair, applied at Initialize (repeatable)")

	fs.String("listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeoutSec, "Graceful shutdown drain timeout in seconds")
	fs.String("outputs-dir", defaults.Server.OutputsDir, "Directory the /outputs download endpoint may read from")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

// Load builds a Config from defaults, an optional config file,
// TTSWORKERD_-prefixed environment variables, and explicitly set bound
// flags, in that order of increasing precedence (viper's ordering).
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("TTSWORKERD")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("ttsworkerd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if opts.Cmd != nil {
		if affinity, err := opts.Cmd.Flags().GetStringToString("affinity"); err == nil && len(affinity) > 0 {
			if cfg.LoadBalancer.ModelAffinity == nil {
				cfg.LoadBalancer.ModelAffinity = make(map[string]string, len(affinity))
			}
			for voice, workerID := range affinity {
				cfg.LoadBalancer.ModelAffinity[workerID] = voice
			}
		}
		if args, err := opts.Cmd.Flags().GetStringArray("executable-arg"); err == nil && len(args) > 0 {
			cfg.ExecutableArgs = args
		}
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("min_workers", c.MinWorkers)
	v.SetDefault("max_workers", c.MaxWorkers)
	v.SetDefault("model", c.Model)
	v.SetDefault("cache_dir", c.CacheDir)
	v.SetDefault("executable_path", c.ExecutablePath)
	v.SetDefault("max_queue_size", c.MaxQueueSize)
	v.SetDefault("health_check_interval_ms", c.HealthCheckIntervalMs)
	v.SetDefault("restart_on_failure", c.RestartOnFailure)
	v.SetDefault("max_text_length", c.MaxTextLength)
	v.SetDefault("request_timeout_ms", c.RequestTimeoutMs)
	v.SetDefault("max_reselections", c.MaxReselections)
	v.SetDefault("autoscale_interval_ms", c.AutoscaleInterval)

	v.SetDefault("circuit_breaker.failure_threshold", c.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.timeout_ms", c.CircuitBreaker.TimeoutMs)
	v.SetDefault("circuit_breaker.reset_timeout_ms", c.CircuitBreaker.ResetTimeoutMs)
	v.SetDefault("circuit_breaker.success_threshold", c.CircuitBreaker.SuccessThreshold)
	v.SetDefault("circuit_breaker.sliding_window_size", c.CircuitBreaker.SlidingWindowSize)

	v.SetDefault("load_balancer.algorithm", c.LoadBalancer.Algorithm)
	v.SetDefault("load_balancer.scale_up_threshold", c.LoadBalancer.ScaleUpThreshold)
	v.SetDefault("load_balancer.scale_up_response_time_ms", c.LoadBalancer.ScaleUpResponseTimeMs)
	v.SetDefault("load_balancer.scale_down_threshold_ms", c.LoadBalancer.ScaleDownThresholdMs)

	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.shutdown_timeout_secs", c.Server.ShutdownTimeoutSec)
	v.SetDefault("server.outputs_dir", c.Server.OutputsDir)
	v.SetDefault("log_level", c.LogLevel)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("min_workers", "min-workers")
	v.RegisterAlias("max_workers", "max-workers")
	v.RegisterAlias("model", "model")
	v.RegisterAlias("cache_dir", "cache-dir")
	v.RegisterAlias("executable_path", "executable-path")
	v.RegisterAlias("max_queue_size", "max-queue-size")
	v.RegisterAlias("health_check_interval_ms", "health-check-interval-ms")
	v.RegisterAlias("restart_on_failure", "restart-on-failure")
	v.RegisterAlias("max_text_length", "max-text-length")
	v.RegisterAlias("request_timeout_ms", "request-timeout-ms")
	v.RegisterAlias("max_reselections", "max-reselections")
	v.RegisterAlias("autoscale_interval_ms", "autoscale-interval-ms")

	v.RegisterAlias("circuit_breaker.failure_threshold", "cb-failure-threshold")
	v.RegisterAlias("circuit_breaker.timeout_ms", "cb-timeout-ms")
	v.RegisterAlias("circuit_breaker.reset_timeout_ms", "cb-reset-timeout-ms")
	v.RegisterAlias("circuit_breaker.success_threshold", "cb-success-threshold")
	v.RegisterAlias("circuit_breaker.sliding_window_size", "cb-sliding-window-size")

	v.RegisterAlias("load_balancer.algorithm", "lb-algorithm")
	v.RegisterAlias("load_balancer.scale_up_threshold", "lb-scale-up-threshold")
	v.RegisterAlias("load_balancer.scale_up_response_time_ms", "lb-scale-up-response-time-ms")
	v.RegisterAlias("load_balancer.scale_down_threshold_ms", "lb-scale-down-threshold-ms")

	v.RegisterAlias("server.listen_addr", "listen-addr")
	v.RegisterAlias("server.shutdown_timeout_secs", "shutdown-timeout")
	v.RegisterAlias("server.outputs_dir", "outputs-dir")
	v.RegisterAlias("log_level", "log-level")
}

// HealthCheckInterval returns the configured health-check cadence as a
// time.Duration.
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// RequestTimeout returns the configured request deadline as a
// time.Duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// AutoscaleCadence returns the configured autoscale evaluation interval
// as a time.Duration.
func (c Config) AutoscaleCadence() time.Duration {
	return time.Duration(c.AutoscaleInterval) * time.Millisecond
}

// ShutdownTimeout returns the configured graceful-shutdown drain period
// as a time.Duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

// Validate reports config sanity errors the doctor command and
// serve/synth commands should catch before constructing a Dispatcher.
func (c Config) Validate() error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("min_workers must be >= 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", c.MaxWorkers, c.MinWorkers)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("max_queue_size must be >= 1, got %d", c.MaxQueueSize)
	}
	if c.CircuitBreaker.FailureThreshold <= 0 || c.CircuitBreaker.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be in (0,1], got %f", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.SlidingWindowSize < 1 {
		return fmt.Errorf("circuit_breaker.sliding_window_size must be >= 1, got %d", c.CircuitBreaker.SlidingWindowSize)
	}
	switch c.LoadBalancer.Algorithm {
	case "round_robin", "least_connections", "response_time", "weighted":
	default:
		return fmt.Errorf("load_balancer.algorithm %q is not one of round_robin|least_connections|response_time|weighted", c.LoadBalancer.Algorithm)
	}
	return nil
}
