// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/JakeFAU/identity-harvester/internal/driver"
)

// AppName names the state directory under the XDG data home.
const AppName = "harvester"

// Driver kinds.
const (
	DriverHTTP    = "http"
	DriverBrowser = "browser"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Run     RunConfig     `mapstructure:"run"`
	Session SessionConfig `mapstructure:"session"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Seed    SeedConfig    `mapstructure:"seed"`
	Files   FilesConfig   `mapstructure:"files"`
	Driver  DriverConfig  `mapstructure:"driver"`
	Site    driver.Site   `mapstructure:"site"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Export  ExportConfig  `mapstructure:"export"`
}

// RunConfig bounds a harvest run.
type RunConfig struct {
	MaxItems   int           `mapstructure:"max_items"`
	Cycles     int           `mapstructure:"cycles"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
	Workers    int           `mapstructure:"workers"`
	FlushEvery int           `mapstructure:"flush_every"`
}

// SessionConfig governs identity sessions.
type SessionConfig struct {
	CapMin        int `mapstructure:"cap_min"`
	CapMax        int `mapstructure:"cap_max"`
	LoginAttempts int `mapstructure:"login_attempts"`
}

// RetryConfig bounds per-item retries.
type RetryConfig struct {
	MaxTransient   int           `mapstructure:"max_transient"`
	MaxStructural  int           `mapstructure:"max_structural"`
	TransientPause time.Duration `mapstructure:"transient_pause"`
}

// SeedConfig controls discovery when the frontier runs dry.
type SeedConfig struct {
	Topics           []string `mapstructure:"topics"`
	Items            []string `mapstructure:"items"`
	MaxTopicAttempts int      `mapstructure:"max_topic_attempts"`
	MaxPagesPerTopic int      `mapstructure:"max_pages_per_topic"`
	TopicOrder       string   `mapstructure:"topic_order"`
}

// FilesConfig locates persisted state. Relative paths resolve against StateDir.
type FilesConfig struct {
	StateDir          string `mapstructure:"state_dir"`
	Credentials       string `mapstructure:"credentials"`
	Egress            string `mapstructure:"egress"`
	BannedCredentials string `mapstructure:"banned_credentials"`
	BannedEgress      string `mapstructure:"banned_egress"`
	Results           string `mapstructure:"results"`
	TokensDir         string `mapstructure:"tokens_dir"`
	Report            string `mapstructure:"report"`
}

// DriverConfig selects and tunes the page driver.
type DriverConfig struct {
	Kind      string        `mapstructure:"kind"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Headless  bool          `mapstructure:"headless"`
	PaceMin   time.Duration `mapstructure:"pace_min"`
	PaceMax   time.Duration `mapstructure:"pace_max"`
	// MaxQPS caps browser navigations per host; zero disables the limit.
	MaxQPS float64 `mapstructure:"max_qps"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ExportConfig configures the record export sinks. Every sink is optional.
type ExportConfig struct {
	LocalDir      string `mapstructure:"local_dir"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	Prefix        string `mapstructure:"prefix"`
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`
}

// Load builds a Config from disk/environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultStateDir is the XDG data directory for the harvester.
// On Linux: ~/.local/share/harvester
func DefaultStateDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.max_items", 50000)
	v.SetDefault("run.cycles", 2)
	v.SetDefault("run.cooldown", "30s")
	v.SetDefault("run.workers", 1)
	v.SetDefault("run.flush_every", 1)
	v.SetDefault("session.cap_min", 500)
	v.SetDefault("session.cap_max", 1000)
	v.SetDefault("session.login_attempts", 3)
	v.SetDefault("retry.max_transient", 10)
	v.SetDefault("retry.max_structural", 10)
	v.SetDefault("retry.transient_pause", "20s")
	v.SetDefault("seed.max_topic_attempts", 25)
	v.SetDefault("seed.max_pages_per_topic", 10)
	v.SetDefault("seed.topic_order", "sequential")
	v.SetDefault("files.state_dir", DefaultStateDir())
	v.SetDefault("files.credentials", "credentials.json")
	v.SetDefault("files.egress", "egress.txt")
	v.SetDefault("files.banned_credentials", "banned_credentials.json")
	v.SetDefault("files.banned_egress", "banned_egress.txt")
	v.SetDefault("files.results", "results.json")
	v.SetDefault("files.tokens_dir", "tokens")
	v.SetDefault("files.report", "report.md")
	v.SetDefault("driver.kind", DriverHTTP)
	v.SetDefault("driver.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	v.SetDefault("driver.timeout", "20s")
	v.SetDefault("driver.headless", true)
	v.SetDefault("driver.pace_min", "4s")
	v.SetDefault("driver.pace_max", "8500ms")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("export.prefix", "records")
	v.SetDefault("export.postgres_table", "harvested_records")
}

func (c *Config) resolvePaths() {
	if c.Files.StateDir == "" {
		c.Files.StateDir = DefaultStateDir()
	}
	for _, p := range []*string{
		&c.Files.Credentials,
		&c.Files.Egress,
		&c.Files.BannedCredentials,
		&c.Files.BannedEgress,
		&c.Files.Results,
		&c.Files.TokensDir,
		&c.Files.Report,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.Files.StateDir, *p)
		}
	}
}

// Validate enforces required values and reasonable limits.
func (c *Config) Validate() error {
	switch {
	case c.Run.MaxItems <= 0:
		return fmt.Errorf("%w: run.max_items must be > 0", ErrInvalidRun)
	case c.Run.Cycles <= 0:
		return fmt.Errorf("%w: run.cycles must be > 0", ErrInvalidRun)
	case c.Run.Cooldown < 0:
		return fmt.Errorf("%w: run.cooldown must be >= 0", ErrInvalidRun)
	case c.Run.Workers <= 0:
		return fmt.Errorf("%w: run.workers must be > 0", ErrInvalidRun)
	case c.Run.FlushEvery <= 0:
		return fmt.Errorf("%w: run.flush_every must be > 0", ErrInvalidRun)
	}
	switch {
	case c.Session.CapMin <= 0:
		return fmt.Errorf("%w: session.cap_min must be > 0", ErrInvalidSession)
	case c.Session.CapMax < c.Session.CapMin:
		return fmt.Errorf("%w: session.cap_max must be >= session.cap_min", ErrInvalidSession)
	case c.Session.LoginAttempts <= 0:
		return fmt.Errorf("%w: session.login_attempts must be > 0", ErrInvalidSession)
	}
	switch {
	case c.Retry.MaxTransient <= 0:
		return fmt.Errorf("%w: retry.max_transient must be > 0", ErrInvalidRetry)
	case c.Retry.MaxStructural <= 0:
		return fmt.Errorf("%w: retry.max_structural must be > 0", ErrInvalidRetry)
	case c.Retry.TransientPause < 0:
		return fmt.Errorf("%w: retry.transient_pause must be >= 0", ErrInvalidRetry)
	}
	switch {
	case c.Seed.MaxTopicAttempts <= 0:
		return fmt.Errorf("%w: seed.max_topic_attempts must be > 0", ErrInvalidSeed)
	case c.Seed.MaxPagesPerTopic <= 0:
		return fmt.Errorf("%w: seed.max_pages_per_topic must be > 0", ErrInvalidSeed)
	case c.Seed.TopicOrder != "sequential" && c.Seed.TopicOrder != "shuffle":
		return fmt.Errorf("%w: seed.topic_order must be sequential or shuffle", ErrInvalidSeed)
	}
	switch {
	case c.Files.Credentials == "":
		return fmt.Errorf("%w: files.credentials is required", ErrInvalidFiles)
	case c.Files.Results == "":
		return fmt.Errorf("%w: files.results is required", ErrInvalidFiles)
	case c.Files.BannedCredentials == "" || c.Files.BannedEgress == "":
		return fmt.Errorf("%w: quarantine files are required", ErrInvalidFiles)
	}
	switch {
	case c.Driver.Kind != DriverHTTP && c.Driver.Kind != DriverBrowser:
		return fmt.Errorf("%w: driver.kind must be %q or %q", ErrInvalidDriver, DriverHTTP, DriverBrowser)
	case c.Driver.Timeout <= 0:
		return fmt.Errorf("%w: driver.timeout must be > 0", ErrInvalidDriver)
	case c.Driver.PaceMin < 0 || c.Driver.PaceMax < c.Driver.PaceMin:
		return fmt.Errorf("%w: driver.pace_max must be >= driver.pace_min >= 0", ErrInvalidDriver)
	case c.Driver.MaxQPS < 0:
		return fmt.Errorf("%w: driver.max_qps must be >= 0", ErrInvalidDriver)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("%w: server.port must be > 0", ErrInvalidServer)
	}
	if (c.Export.PubSubProject == "") != (c.Export.PubSubTopic == "") {
		return fmt.Errorf("%w: export.pubsub_project and export.pubsub_topic go together", ErrInvalidExport)
	}
	if c.Export.PostgresDSN != "" && c.Export.PostgresTable == "" {
		return fmt.Errorf("%w: export.postgres_table is required with a dsn", ErrInvalidExport)
	}
	return nil
}
