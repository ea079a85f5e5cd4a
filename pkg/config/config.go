package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultFolderDepth is the deepest project level visited below a root.
	DefaultFolderDepth = 10

	// DefaultConnectTimeout is the TeamCity connect timeout.
	DefaultConnectTimeout = 20000 * time.Millisecond

	// DefaultReadTimeout is the TeamCity response timeout.
	DefaultReadTimeout = 20000 * time.Millisecond

	// DefaultSchedule runs a collection pass every five minutes.
	DefaultSchedule = "@every 5m"

	// DefaultConcurrency is the number of build configurations processed in parallel.
	DefaultConcurrency = 4

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	envPrefix = "BUILDSTAGE"
)

// Config is the root configuration for buildstage.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	TeamCity  TeamCityConfig  `yaml:"teamcity" mapstructure:"teamcity"`
	Collector CollectorConfig `yaml:"collector" mapstructure:"collector"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
	Export    ExportConfig    `yaml:"export,omitempty" mapstructure:"export"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// TeamCityConfig describes the CI instances to poll.
type TeamCityConfig struct {
	Servers           []ServerConfig `yaml:"servers" mapstructure:"servers"`
	FolderDepth       int            `yaml:"folder_depth" mapstructure:"folder_depth"`
	ConnectTimeout    time.Duration  `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout       time.Duration  `yaml:"read_timeout" mapstructure:"read_timeout"`
	Retry             RetryConfig    `yaml:"retry" mapstructure:"retry"`
	RequestsPerSecond float64        `yaml:"requests_per_second,omitempty" mapstructure:"requests_per_second"`
}

// ServerConfig is a single TeamCity instance.
type ServerConfig struct {
	URL         string   `yaml:"url" mapstructure:"url"`
	NiceName    string   `yaml:"nice_name,omitempty" mapstructure:"nice_name"`
	Environment string   `yaml:"environment,omitempty" mapstructure:"environment"`
	APIKey      string   `yaml:"api_key,omitempty" mapstructure:"api_key"`
	ProjectIDs  []string `yaml:"project_ids" mapstructure:"project_ids"`
}

// RetryConfig controls retries of transient TeamCity failures.
type RetryConfig struct {
	Attempts uint          `yaml:"attempts" mapstructure:"attempts"`
	Delay    time.Duration `yaml:"delay" mapstructure:"delay"`
}

// CollectorConfig controls scheduling of collection passes.
type CollectorConfig struct {
	Schedule    string `yaml:"schedule" mapstructure:"schedule"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// Load reads and merges the given configuration files in order, applies
// BUILDSTAGE_* environment overrides and fills defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			millisecondsHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.normalize()

	return &cfg, nil
}

// millisecondsHook decodes bare numbers into durations as milliseconds, so
// "read_timeout: 20000" means twenty seconds.
func millisecondsHook(from, to reflect.Type, data any) (any, error) {
	durationType := reflect.TypeOf(time.Duration(0))
	if to != durationType || from == durationType {
		return data, nil
	}

	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Millisecond, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Millisecond)), nil
	case reflect.String:
		if ms, err := strconv.ParseInt(reflect.ValueOf(data).String(), 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}

		return data, nil
	default:
		return data, nil
	}
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("teamcity.folder_depth", DefaultFolderDepth)
	v.SetDefault("teamcity.connect_timeout", DefaultConnectTimeout)
	v.SetDefault("teamcity.read_timeout", DefaultReadTimeout)
	v.SetDefault("teamcity.retry.attempts", 3)
	v.SetDefault("teamcity.retry.delay", 500*time.Millisecond)

	v.SetDefault("collector.schedule", DefaultSchedule)
	v.SetDefault("collector.concurrency", DefaultConcurrency)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "buildstage.db")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("api.listen", DefaultListen)
	v.SetDefault("api.rate_limit.requests_per_minute", 600)

	v.SetDefault("export.s3.prefix", "buildstage")
}

// normalize trims whitespace around comma separated project ids and drops
// empty entries, so "A, B," yields [A B].
func (c *Config) normalize() {
	for i := range c.TeamCity.Servers {
		srv := &c.TeamCity.Servers[i]

		ids := make([]string, 0, len(srv.ProjectIDs))
		for _, id := range srv.ProjectIDs {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}

		srv.ProjectIDs = ids
		srv.URL = strings.TrimSpace(srv.URL)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.TeamCity.Servers) == 0 {
		return errors.New("at least one teamcity server must be configured")
	}

	seen := make(map[string]struct{}, len(c.TeamCity.Servers))

	for i, srv := range c.TeamCity.Servers {
		if srv.URL == "" {
			return fmt.Errorf("server %d: url is required", i)
		}

		if _, exists := seen[srv.URL]; exists {
			return fmt.Errorf("server %d: duplicate url %q", i, srv.URL)
		}

		seen[srv.URL] = struct{}{}

		if len(srv.ProjectIDs) == 0 {
			return fmt.Errorf("server %q: at least one project id is required", srv.URL)
		}
	}

	if c.TeamCity.FolderDepth < 0 {
		return fmt.Errorf("teamcity.folder_depth must not be negative, got %d", c.TeamCity.FolderDepth)
	}

	if c.TeamCity.ConnectTimeout <= 0 || c.TeamCity.ReadTimeout <= 0 {
		return errors.New("teamcity timeouts must be positive")
	}

	if c.Collector.Concurrency <= 0 {
		return fmt.Errorf("collector.concurrency must be positive, got %d", c.Collector.Concurrency)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Export.S3 != nil && c.Export.S3.Enabled && c.Export.S3.Bucket == "" {
		return errors.New("export.s3.bucket is required when export is enabled")
	}

	return nil
}

// DisplayName returns the nice name of a server, falling back to its URL.
func (s *ServerConfig) DisplayName() string {
	if s.NiceName != "" {
		return s.NiceName
	}

	return s.URL
}
