package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/batchrun/pkg/batchrun/backoff"
)

// Defaults applied by EngineFromConfig and DefaultEngineConfig.
const (
	DefaultWatchdogTimeout = 10 * time.Second
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultResultTimeout   = 120 * time.Second
	DefaultSubmitDelay     = time.Second
	DefaultThreshold       = 100
	DefaultExportDir       = "exports"
	DefaultExportPrefix    = "batchrun"
	DefaultExportFormat    = "csv"
	DefaultStoreDriver     = "sqlite"
	DefaultStorePath       = "batchrun.db"
)

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	Driver         string
	Path           string
	RedisAddr      string
	RedisNamespace string
	PostgresDSN    string
}

// ExportConfig controls where and how result chunks are written.
type ExportConfig struct {
	Dir       string
	Prefix    string
	Format    string
	Threshold int
}

// ObservabilityConfig toggles logging format and OpenTelemetry signals.
type ObservabilityConfig struct {
	LogFormat string
	LogLevel  string
	Metrics   bool
	Tracing   bool
}

// EngineConfig is the fully-defaulted runtime configuration of an engine.
type EngineConfig struct {
	// Steps is the ordered list of steps applied to every item.
	Steps []string
	// EntryURL is the clean entry page used for forced navigation.
	EntryURL string

	WatchdogTimeout time.Duration
	PollInterval    time.Duration
	ResultTimeout   time.Duration
	SubmitDelay     time.Duration
	StepDelays      map[string]time.Duration

	// MaxRateLimitRetries bounds cooldown retries of one step. 0 is unlimited.
	MaxRateLimitRetries int
	Backoff             backoff.Strategy

	Export        ExportConfig
	Store         StoreConfig
	Observability ObservabilityConfig
}

// DefaultEngineConfig returns the defaults for the given steps.
func DefaultEngineConfig(steps ...string) EngineConfig {
	return EngineConfig{
		Steps:           steps,
		WatchdogTimeout: DefaultWatchdogTimeout,
		PollInterval:    DefaultPollInterval,
		ResultTimeout:   DefaultResultTimeout,
		SubmitDelay:     DefaultSubmitDelay,
		Backoff:         backoff.Default(),
		Export: ExportConfig{
			Dir:       DefaultExportDir,
			Prefix:    DefaultExportPrefix,
			Format:    DefaultExportFormat,
			Threshold: DefaultThreshold,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			Path:   DefaultStorePath,
		},
		Observability: ObservabilityConfig{
			LogFormat: "text",
			LogLevel:  "info",
		},
	}
}

// EngineFromConfig builds an EngineConfig from a loaded document, filling
// every missing value with its default.
func EngineFromConfig(c Config) (EngineConfig, error) {
	ec := DefaultEngineConfig(c.StringSlice("steps", nil)...)
	ec.EntryURL = c.String("entry_url", "")

	eng := c.Sub("engine")
	ec.WatchdogTimeout = eng.Duration("watchdog_timeout", ec.WatchdogTimeout)
	ec.PollInterval = eng.Duration("poll_interval", ec.PollInterval)
	ec.ResultTimeout = eng.Duration("result_timeout", ec.ResultTimeout)
	ec.SubmitDelay = eng.Duration("submit_delay", ec.SubmitDelay)
	ec.StepDelays = eng.DurationMap("step_delays")
	ec.MaxRateLimitRetries = eng.Int("max_rate_limit_retries", 0)

	bo := c.Sub("backoff")
	strategy, err := backoff.Parse(
		bo.String("strategy", "constant"),
		bo.Duration("initial", backoff.DefaultCooldown),
		bo.Duration("max", 0),
	)
	if err != nil {
		return EngineConfig{}, err
	}
	ec.Backoff = strategy

	exp := c.Sub("export")
	ec.Export = ExportConfig{
		Dir:       exp.String("dir", ec.Export.Dir),
		Prefix:    exp.String("prefix", ec.Export.Prefix),
		Format:    exp.String("format", ec.Export.Format),
		Threshold: exp.Int("threshold", ec.Export.Threshold),
	}

	st := c.Sub("store")
	ec.Store = StoreConfig{
		Driver:         st.String("driver", ec.Store.Driver),
		Path:           st.String("path", ec.Store.Path),
		RedisAddr:      st.String("redis_addr", ""),
		RedisNamespace: st.String("redis_namespace", ""),
		PostgresDSN:    st.String("postgres_dsn", ""),
	}

	obs := c.Sub("observability")
	ec.Observability = ObservabilityConfig{
		LogFormat: obs.String("log_format", ec.Observability.LogFormat),
		LogLevel:  obs.String("log_level", ec.Observability.LogLevel),
		Metrics:   obs.Bool("metrics", false),
		Tracing:   obs.Bool("tracing", false),
	}

	return ec, ec.Validate()
}

// StepDelay returns the wait before submitting step.
func (ec EngineConfig) StepDelay(step string) time.Duration {
	if d, ok := ec.StepDelays[step]; ok {
		return d
	}
	return ec.SubmitDelay
}

// Validate reports configuration that an engine cannot run with.
func (ec EngineConfig) Validate() error {
	var errs []error
	if len(ec.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}
	seen := make(map[string]bool, len(ec.Steps))
	for _, s := range ec.Steps {
		if s == "" {
			errs = append(errs, errors.New("step names must not be empty"))
			continue
		}
		if seen[s] {
			errs = append(errs, fmt.Errorf("duplicate step %q", s))
		}
		seen[s] = true
	}
	if ec.WatchdogTimeout <= 0 {
		errs = append(errs, errors.New("watchdog_timeout must be positive"))
	}
	if ec.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if ec.ResultTimeout < ec.PollInterval {
		errs = append(errs, errors.New("result_timeout must not be shorter than poll_interval"))
	}
	if ec.Export.Threshold < 1 {
		errs = append(errs, errors.New("export threshold must be at least 1"))
	}
	if ec.MaxRateLimitRetries < 0 {
		errs = append(errs, errors.New("max_rate_limit_retries must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
