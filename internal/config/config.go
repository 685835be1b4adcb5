package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full gateway configuration. It is loaded once at startup
// and passed by value to component constructors; nothing mutates it afterwards.
type Config struct {
	API         APIConfig         `yaml:"api"`
	Services    ServicesConfig    `yaml:"services"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	SecretKey   string            `yaml:"secret_key"`
	GateMapping map[string]string `yaml:"gate_mapping"`
}

// APIConfig describes the central booking service endpoints and HTTP policy.
type APIConfig struct {
	BaseURL       string `yaml:"base_url"`
	FetchEndpoint string `yaml:"fetch_endpoint"`
	SyncEndpoint  string `yaml:"sync_endpoint"`
	TimeoutSec    int    `yaml:"timeout"`
	RetryAttempts int    `yaml:"retry_attempts"`
	RetryDelaySec int    `yaml:"retry_delay"`
}

// ServicesConfig controls worker cadence and toggles. The enable flags are
// pointers so that an absent key defaults to enabled while an explicit
// `false` in the file still disables the worker.
type ServicesConfig struct {
	FetchIntervalSec int   `yaml:"fetch_interval"`
	SyncIntervalSec  int   `yaml:"sync_interval"`
	FetchEnabled     *bool `yaml:"fetch_enabled"`
	SyncEnabled      *bool `yaml:"sync_enabled"`
	CleanupEnabled   *bool `yaml:"cleanup_enabled"`
	SkipDummySync    *bool `yaml:"skip_dummy_sync"`
	AddDummyTickets  bool  `yaml:"add_dummy_tickets"`
}

// DatabaseConfig locates the per-gate database files and their backups.
type DatabaseConfig struct {
	Dir       string `yaml:"dir"`
	BackupDir string `yaml:"backup_dir"`
}

// LoggingConfig controls diagnostic output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// MonitorConfig controls the health/metrics HTTP server.
type MonitorConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is present. Values
// mirror the production deployment defaults.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file and applies defaults for any field
// left unset. A missing file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://demotms.aditonline.com/api/"
	}
	if c.API.FetchEndpoint == "" {
		c.API.FetchEndpoint = "bookings/summary"
	}
	if c.API.SyncEndpoint == "" {
		c.API.SyncEndpoint = "bookings/update-used"
	}
	if c.API.TimeoutSec == 0 {
		c.API.TimeoutSec = 30
	}
	if c.API.RetryAttempts == 0 {
		c.API.RetryAttempts = 3
	}
	if c.API.RetryDelaySec == 0 {
		c.API.RetryDelaySec = 5
	}
	if c.Services.FetchIntervalSec == 0 {
		c.Services.FetchIntervalSec = 300
	}
	if c.Services.SyncIntervalSec == 0 {
		c.Services.SyncIntervalSec = 1
	}
	defaultTrue(&c.Services.FetchEnabled)
	defaultTrue(&c.Services.SyncEnabled)
	defaultTrue(&c.Services.CleanupEnabled)
	defaultTrue(&c.Services.SkipDummySync)
	if c.Database.Dir == "" {
		c.Database.Dir = "."
	}
	if c.Database.BackupDir == "" {
		c.Database.BackupDir = "backups"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Monitor.ListenAddr == "" {
		c.Monitor.ListenAddr = ":8090"
	}
	if c.SecretKey == "" {
		c.SecretKey = "mayur@123"
	}
	if len(c.GateMapping) == 0 {
		c.GateMapping = map[string]string{"A": "01", "B": "02", "C": "03"}
	}
}

func defaultTrue(p **bool) {
	if *p == nil {
		v := true
		*p = &v
	}
}

// FetchWorkerEnabled reports whether the fetch worker should run.
func (c Config) FetchWorkerEnabled() bool { return *c.Services.FetchEnabled }

// SyncWorkerEnabled reports whether the push worker should run.
func (c Config) SyncWorkerEnabled() bool { return *c.Services.SyncEnabled }

// CleanupWorkerEnabled reports whether the cleanup worker should run.
func (c Config) CleanupWorkerEnabled() bool { return *c.Services.CleanupEnabled }

// SkipDummy reports whether refs with the test suffix are excluded from push.
func (c Config) SkipDummy() bool { return *c.Services.SkipDummySync }

// APITimeout returns the HTTP request timeout as a duration.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

// RetryDelay returns the fixed delay between HTTP retry attempts.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.API.RetryDelaySec) * time.Second
}

// FetchInterval returns the fetch worker cycle period.
func (c Config) FetchInterval() time.Duration {
	return time.Duration(c.Services.FetchIntervalSec) * time.Second
}

// SyncInterval returns the push worker idle cycle period.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Services.SyncIntervalSec) * time.Second
}

// FetchURL returns the full manifest URL.
func (c Config) FetchURL() string {
	return c.apiURL(c.API.FetchEndpoint)
}

// SyncURL returns the full push URL.
func (c Config) SyncURL() string {
	return c.apiURL(c.API.SyncEndpoint)
}

func (c Config) apiURL(endpoint string) string {
	base := c.API.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.TrimPrefix(endpoint, "/")
}
