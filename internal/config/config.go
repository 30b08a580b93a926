// Package config loads automator settings and run spec files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"

	"github.com/t77yq/backtest-automator/internal/artifact"
	"github.com/t77yq/backtest-automator/internal/driver/remote"
	"github.com/t77yq/backtest-automator/internal/events"
	"github.com/t77yq/backtest-automator/internal/logging"
	"github.com/t77yq/backtest-automator/internal/monitor"
	"github.com/t77yq/backtest-automator/internal/report"
	"github.com/t77yq/backtest-automator/internal/site"
	"github.com/t77yq/backtest-automator/internal/throttle"
)

// EnvPrefix prefixes every environment override, as in OO_EMAIL
const EnvPrefix = "OO"

// driver modes
const (
	DriverRemote = "remote"
	DriverDryRun = "dryrun"
)

// Config is the full automator configuration
type Config struct {
	Credentials site.Credentials        `mapstructure:"credentials"`
	Browser     BrowserConfig           `mapstructure:"browser"`
	Site        SiteConfig              `mapstructure:"site"`
	Throttle    throttle.Config         `mapstructure:"throttle"`
	Storage     StorageConfig           `mapstructure:"storage"`
	NATS        NATSConfig              `mapstructure:"nats"`
	Events      EventsConfig            `mapstructure:"events"`
	Dispatch    report.DispatcherConfig `mapstructure:"dispatch"`
	Metrics     MetricsConfig           `mapstructure:"metrics"`
	Host        HostConfig              `mapstructure:"host"`
	Artifacts   ArtifactConfig          `mapstructure:"artifacts"`
	Log         logging.Config          `mapstructure:"log"`
}

// BrowserConfig selects and sizes the session pool
type BrowserConfig struct {
	Driver        string        `mapstructure:"driver"`
	MaxBrowsers   int           `mapstructure:"max_browsers"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	Verify        bool          `mapstructure:"verify"`
	Remote        remote.Config `mapstructure:"remote"`
	DryRun        DryRunConfig  `mapstructure:"dryrun"`
}

// DryRunConfig tunes the simulated site
type DryRunConfig struct {
	Latency     time.Duration `mapstructure:"latency"`
	FailureRate float64       `mapstructure:"failure_rate"`
	Seed        uint64        `mapstructure:"seed"`
}

// SiteConfig overrides where the site lives and how long actions wait
type SiteConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeouts site.Timeouts `mapstructure:"timeouts"`
}

// StorageConfig locates the result database
type StorageConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// NATSConfig connects the event publisher and the remote driver
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// EventsConfig enables live progress on JetStream
type EventsConfig struct {
	events.Config `mapstructure:",squash"`
	Enabled       bool `mapstructure:"enabled"`
}

// MetricsConfig exposes Prometheus metrics. An empty Addr disables them.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// HostConfig lets host load shrink the pool
type HostConfig struct {
	monitor.HostConfig `mapstructure:",squash"`
	Enabled            bool `mapstructure:"enabled"`
}

// ArtifactConfig configures failure diagnostics
type ArtifactConfig struct {
	artifact.Config `mapstructure:",squash"`
	DockerLogs      bool `mapstructure:"docker_logs"`
}

func setDefaults(v *viper.Viper) {
	th := throttle.DefaultConfig()
	to := site.DefaultTimeouts()

	v.SetDefault("browser.driver", DriverRemote)
	v.SetDefault("browser.max_browsers", 2)
	v.SetDefault("browser.retry_attempts", 3)
	v.SetDefault("browser.verify", true)
	v.SetDefault("browser.remote.prefix", remote.DefaultPrefix)
	v.SetDefault("browser.remote.launch_timeout", time.Minute)
	v.SetDefault("browser.remote.request_timeout", 10*time.Second)
	v.SetDefault("browser.remote.navigate_timeout", 30*time.Second)
	v.SetDefault("browser.dryrun.latency", 200*time.Millisecond)
	v.SetDefault("browser.dryrun.failure_rate", 0.0)

	v.SetDefault("site.base_url", site.DefaultLayout().BaseURL)
	v.SetDefault("site.timeouts.element", to.Element)
	v.SetDefault("site.timeouts.settle", to.Settle)
	v.SetDefault("site.timeouts.completion", to.Completion)

	v.SetDefault("throttle.base", th.Base)
	v.SetDefault("throttle.degrade_at", th.DegradeAt)
	v.SetDefault("throttle.reset_after", th.ResetAfter)
	v.SetDefault("throttle.min_interval", th.MinInterval)

	v.SetDefault("storage.path", "oo_automator.db")
	v.SetDefault("storage.retention", 30*24*time.Hour)

	v.SetDefault("nats.url", nats.DefaultURL)
	v.SetDefault("nats.name", "backtest-automator")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.stream", events.DefaultStream)
	v.SetDefault("events.prefix", events.DefaultPrefix)
	v.SetDefault("events.max_age", 7*24*time.Hour)

	v.SetDefault("dispatch.buffer", 256)
	v.SetDefault("dispatch.sink_timeout", 10*time.Second)
	v.SetDefault("dispatch.close_timeout", 30*time.Second)

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("host.enabled", true)
	v.SetDefault("host.interval", 5*time.Second)
	v.SetDefault("host.max_cpu", 90.0)
	v.SetDefault("host.max_memory", 90.0)

	v.SetDefault("artifacts.dir", "artifacts")
	v.SetDefault("artifacts.max_age", 7*24*time.Hour)
	v.SetDefault("artifacts.timeout", 30*time.Second)
	v.SetDefault("artifacts.docker_logs", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
}

// shorthand environment names kept from earlier releases
var envAliases = map[string]string{
	"credentials.email":    "OO_EMAIL",
	"credentials.password": "OO_PASSWORD",
	"browser.max_browsers": "OO_MAX_BROWSERS",
	"storage.path":         "OO_DB_PATH",
}

// Load reads path, or config.yaml from . or ./config when path is empty,
// and applies OO_ environment overrides on top. A missing default file is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, "OO_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Throttle.Steps == nil {
		cfg.Throttle.Steps = throttle.DefaultConfig().Steps
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch c.Browser.Driver {
	case DriverRemote, DriverDryRun:
	default:
		return fmt.Errorf("%w: unknown browser driver %q", ErrInvalidConfig, c.Browser.Driver)
	}
	if c.Browser.MaxBrowsers < 1 {
		return fmt.Errorf("%w: browser.max_browsers must be at least 1", ErrInvalidConfig)
	}
	if c.Browser.RetryAttempts < 1 {
		return fmt.Errorf("%w: browser.retry_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Browser.DryRun.FailureRate < 0 || c.Browser.DryRun.FailureRate > 1 {
		return fmt.Errorf("%w: browser.dryrun.failure_rate must be within [0, 1]", ErrInvalidConfig)
	}
	if c.Browser.Driver == DriverRemote && c.NATS.URL == "" {
		return fmt.Errorf("%w: the remote driver needs nats.url", ErrInvalidConfig)
	}
	return nil
}

// MaxRetries converts retry_attempts, which counts every attempt, into
// the number of requeues a task gets
func (c *Config) MaxRetries() int {
	return c.Browser.RetryAttempts - 1
}

// HasCredentials reports whether both email and password are set
func (c *Config) HasCredentials() bool {
	return c.Credentials.Email != "" && c.Credentials.Password != ""
}

// Layout returns the site layout with configured overrides applied
func (c *Config) Layout() site.Layout {
	layout := site.DefaultLayout()
	if c.Site.BaseURL != "" {
		layout.BaseURL = c.Site.BaseURL
	}
	return layout
}
