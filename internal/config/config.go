// Package config loads service configuration from a YAML file, MFGOPT_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
)

// EnvPrefix is prepended to every environment override, e.g.
// MFGOPT_ESTIMATION_TIMEOUT=45s.
const EnvPrefix = "MFGOPT"

// Config holds all configuration for the engine.
type Config struct {
	Server     ServerConfig                          `mapstructure:"server"`
	Storage    StorageConfig                         `mapstructure:"storage"`
	Messaging  MessagingConfig                       `mapstructure:"messaging"`
	Estimation EstimationConfig                      `mapstructure:"estimation"`
	Saga       SagaConfig                            `mapstructure:"saga"`
	Scheduler  SchedulerConfig                       `mapstructure:"scheduler"`
	Directory  DirectoryConfig                       `mapstructure:"directory"`
	Workflow   WorkflowConfig                        `mapstructure:"workflow"`
	Weights    map[string]domain.OptimizationWeights `mapstructure:"weights"`
	Log        LogConfig                             `mapstructure:"log"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	GRPCAddr string `mapstructure:"grpc_addr"`
	HTTPAddr string `mapstructure:"http_addr"`
}

// StorageConfig selects and configures the plan store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // sqlite | postgres
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// MessagingConfig selects and configures the message channel.
type MessagingConfig struct {
	Driver         string `mapstructure:"driver"` // memory | nats
	NATSURL        string `mapstructure:"nats_url"`
	Stream         string `mapstructure:"stream"`
	ConsumerPrefix string `mapstructure:"consumer_prefix"`
}

// EstimationConfig tunes the estimate aggregator.
type EstimationConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	SendRetries       int           `mapstructure:"send_retries"`
	SendRatePerSecond float64       `mapstructure:"send_rate_per_second"`
}

// SagaConfig tunes the orchestrator.
type SagaConfig struct {
	SelectionTimeout    time.Duration `mapstructure:"selection_timeout"`
	SchedulingLeadTime  time.Duration `mapstructure:"scheduling_lead_time"`
	CompensateOnFailure bool          `mapstructure:"compensate_on_failure"`
}

// SchedulerConfig holds the segment policy.
type SchedulerConfig struct {
	WorkBlock   time.Duration `mapstructure:"work_block"`
	BreakLength time.Duration `mapstructure:"break_length"`
}

// DirectoryConfig tunes provider registration.
type DirectoryConfig struct {
	ValidationTimeout time.Duration `mapstructure:"validation_timeout"`
}

// WorkflowConfig points at optional template overrides.
type WorkflowConfig struct {
	TemplatesFile string `mapstructure:"templates_file"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration. An empty path skips the file and uses defaults
// plus environment.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}
	return decode(v)
}

// Watch reloads the file on change and hands the new configuration to
// onChange. Invalid reloads are reported to onError and otherwise ignored.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		return errors.New("config watch requires a file path")
	}
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config from %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reloading %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_addr", ":50051")
	v.SetDefault("server.http_addr", ":8080")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "mfgopt.db")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("messaging.driver", "memory")
	v.SetDefault("messaging.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("messaging.stream", "MFGOPT")
	v.SetDefault("messaging.consumer_prefix", "orchestrator")

	v.SetDefault("estimation.timeout", "30s")
	v.SetDefault("estimation.send_retries", 3)
	v.SetDefault("estimation.send_rate_per_second", 50.0)

	v.SetDefault("saga.selection_timeout", "72h")
	v.SetDefault("saga.scheduling_lead_time", "24h")
	v.SetDefault("saga.compensate_on_failure", true)

	v.SetDefault("scheduler.work_block", "4h")
	v.SetDefault("scheduler.break_length", "30m")

	v.SetDefault("directory.validation_timeout", "5s")

	v.SetDefault("workflow.templates_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of sqlite, postgres", c.Storage.Driver))
	}
	switch c.Messaging.Driver {
	case "memory":
	case "nats":
		if c.Messaging.NATSURL == "" {
			errs = append(errs, errors.New("messaging.nats_url is required for the nats driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("messaging.driver %q is not one of memory, nats", c.Messaging.Driver))
	}
	if c.Estimation.Timeout <= 0 {
		errs = append(errs, errors.New("estimation.timeout must be positive"))
	}
	if c.Estimation.SendRetries < 0 {
		errs = append(errs, errors.New("estimation.send_retries must not be negative"))
	}
	if c.Saga.SelectionTimeout <= 0 {
		errs = append(errs, errors.New("saga.selection_timeout must be positive"))
	}
	if c.Scheduler.WorkBlock <= 0 {
		errs = append(errs, errors.New("scheduler.work_block must be positive"))
	}
	if c.Scheduler.BreakLength < 0 {
		errs = append(errs, errors.New("scheduler.break_length must not be negative"))
	}
	if _, err := c.PriorityWeights(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PriorityWeights merges configured weight overrides over the defaults.
// Keys are matched case-insensitively against priority names.
func (c *Config) PriorityWeights() (map[domain.OptimizationPriority]domain.OptimizationWeights, error) {
	out := domain.DefaultWeights()
	for key, w := range c.Weights {
		var matched bool
		for _, p := range domain.Priorities() {
			if strings.EqualFold(key, string(p)) {
				if err := w.Validate(); err != nil {
					return nil, fmt.Errorf("weights.%s: %w", key, err)
				}
				out[p] = w
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("weights.%s: unknown priority", key)
		}
	}
	return out, nil
}
