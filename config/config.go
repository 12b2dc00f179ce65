package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Source     SourceConfig     `yaml:"source"`
	Historical HistoricalConfig `yaml:"historical"`
	Current    CurrentConfig    `yaml:"current"`
	Report     ReportConfig     `yaml:"report"`
	Server     ServerConfig     `yaml:"server"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Log        LogConfig        `yaml:"log"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"` // gorm logger: silent, error, warn, info
}

// SourceConfig describes the upstream availability and carpark information APIs.
type SourceConfig struct {
	AvailabilityURL   string            `yaml:"availability_url"`
	CarparkInfoURL    string            `yaml:"carpark_info_url"`
	Headers           map[string]string `yaml:"headers"`
	HTTPProxy         string            `yaml:"http_proxy"`
	PageSize          int               `yaml:"page_size"`
	TimeoutSeconds    int               `yaml:"timeout_seconds"`
	Timeout           time.Duration     `yaml:"-"`
	MaxRetries        int               `yaml:"max_retries"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
}

// HistoricalConfig controls the trailing 6pm series.
type HistoricalConfig struct {
	Days                int           `yaml:"days"`
	WindowHour          *int          `yaml:"window_hour"` // nil means 18; 0 is midnight
	WindowRadiusMinutes int           `yaml:"window_radius_minutes"`
	WindowRadius        time.Duration `yaml:"-"`
	LotType             string        `yaml:"lot_type"` // empty keeps every lot type
	Workers             int           `yaml:"workers"`
	Prune               bool          `yaml:"prune"`
}

// CurrentConfig controls the current snapshot flow.
type CurrentConfig struct {
	MaxAgeHours int           `yaml:"max_age_hours"`
	MaxAge      time.Duration `yaml:"-"`
}

// ReportConfig holds the utilization thresholds.
type ReportConfig struct {
	HighUtilization     float64 `yaml:"high_utilization"`
	VeryHighUtilization float64 `yaml:"very_high_utilization"`
	TopN                int     `yaml:"top_n"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`

	// Run endpoints trigger upstream fetches and get their own, tighter budget.
	RunRateLimitPerMinute float64 `yaml:"run_rate_limit_per_minute"`
	RunRateLimitBurst     int     `yaml:"run_rate_limit_burst"`
}

// ScheduleConfig drives the periodic complete run of the serve command.
type ScheduleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalMinutes int           `yaml:"interval_minutes"`
	Interval        time.Duration `yaml:"-"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ConfigurationError reports missing or invalid settings. It is always fatal.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Environment variables that override file settings.
const (
	EnvDatabaseDSN     = "DATABASE_DSN"
	EnvAvailabilityURL = "HDB_CARPARK_API_URL"
	EnvCarparkInfoURL  = "HDB_CARPARK_INFO_URL"
)

// Load reads the configuration from the given path, applies environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigurationError{Problems: []string{fmt.Sprintf("open %s: %v", path, err)}}
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, &ConfigurationError{Problems: []string{fmt.Sprintf("decode %s: %v", path, err)}}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvAvailabilityURL); v != "" {
		c.Source.AvailabilityURL = v
	}
	if v := os.Getenv(EnvCarparkInfoURL); v != "" {
		c.Source.CarparkInfoURL = v
	}
}

// ApplyDefaults fills zero values with defaults and derives the duration fields.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetimeMinutes <= 0 {
		c.Database.ConnMaxLifetimeMinutes = 30
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}

	if c.Source.PageSize <= 0 {
		c.Source.PageSize = 1000
	}
	if c.Source.TimeoutSeconds <= 0 {
		c.Source.TimeoutSeconds = 30
	}
	c.Source.Timeout = time.Duration(c.Source.TimeoutSeconds) * time.Second
	if c.Source.MaxRetries < 0 {
		c.Source.MaxRetries = 0
	}
	if c.Source.RequestsPerSecond <= 0 {
		c.Source.RequestsPerSecond = 5
	}

	if c.Historical.Days <= 0 {
		c.Historical.Days = 30
	}
	if c.Historical.WindowHour == nil {
		hour := 18
		c.Historical.WindowHour = &hour
	}
	if c.Historical.WindowRadiusMinutes <= 0 {
		c.Historical.WindowRadiusMinutes = 60
	}
	c.Historical.WindowRadius = time.Duration(c.Historical.WindowRadiusMinutes) * time.Minute
	if c.Historical.Workers <= 0 {
		c.Historical.Workers = 1
	}

	if c.Current.MaxAgeHours <= 0 {
		c.Current.MaxAgeHours = 10
	}
	c.Current.MaxAge = time.Duration(c.Current.MaxAgeHours) * time.Hour

	if c.Report.HighUtilization <= 0 {
		c.Report.HighUtilization = 0.80
	}
	if c.Report.VeryHighUtilization <= 0 {
		c.Report.VeryHighUtilization = 0.90
	}
	if c.Report.TopN <= 0 {
		c.Report.TopN = 10
	}

	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 10
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 5
	}
	if c.Server.CacheTTLSeconds <= 0 {
		c.Server.CacheTTLSeconds = 300
	}
	if c.Server.RunRateLimitPerMinute <= 0 {
		c.Server.RunRateLimitPerMinute = 2
	}
	if c.Server.RunRateLimitBurst <= 0 {
		c.Server.RunRateLimitBurst = 1
	}

	if c.Schedule.IntervalMinutes <= 0 {
		c.Schedule.IntervalMinutes = 60
	}
	c.Schedule.Interval = time.Duration(c.Schedule.IntervalMinutes) * time.Minute

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports every missing or out of range setting in one ConfigurationError.
func (c *Config) Validate() error {
	var problems []string
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required (or set "+EnvDatabaseDSN+")")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Source.AvailabilityURL == "" {
		problems = append(problems, "source.availability_url is required (or set "+EnvAvailabilityURL+")")
	}
	if c.Source.CarparkInfoURL == "" {
		problems = append(problems, "source.carpark_info_url is required (or set "+EnvCarparkInfoURL+")")
	}
	if h := c.Historical.WindowHour; h != nil && (*h < 0 || *h > 23) {
		problems = append(problems, fmt.Sprintf("historical.window_hour %d is out of range", *h))
	}
	if c.Report.HighUtilization > 1 || c.Report.VeryHighUtilization > 1 {
		problems = append(problems, "report utilization thresholds are fractions and must be <= 1")
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
