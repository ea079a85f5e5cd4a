package config

import "fmt"

// APIConfig contains the dashboard API server settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Auth        APIAuthConfig   `yaml:"auth,omitempty" mapstructure:"auth"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig lists the bearer tokens accepted by ingest endpoints.
type APIAuthConfig struct {
	Tokens []string `yaml:"tokens,omitempty" mapstructure:"tokens"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// Validate checks the database driver settings.
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case "sqlite":
		if d.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if d.Postgres.Host == "" || d.Postgres.Database == "" {
			return fmt.Errorf("postgres.host and postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported driver %q", d.Driver)
	}

	return nil
}

// ExportConfig configures snapshot export of pipeline state.
type ExportConfig struct {
	S3 *S3ExportConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3ExportConfig contains S3 settings for pipeline snapshot uploads.
type S3ExportConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// Redacted returns a copy of the configuration with secrets masked, for
// printing.
func (c Config) Redacted() Config {
	const mask = "<redacted>"

	servers := make([]ServerConfig, len(c.TeamCity.Servers))
	copy(servers, c.TeamCity.Servers)

	for i := range servers {
		if servers[i].APIKey != "" {
			servers[i].APIKey = mask
		}
	}

	c.TeamCity.Servers = servers

	if c.Database.Postgres.Password != "" {
		c.Database.Postgres.Password = mask
	}

	if len(c.API.Auth.Tokens) > 0 {
		c.API.Auth.Tokens = []string{mask}
	}

	if c.Export.S3 != nil {
		s3 := *c.Export.S3
		if s3.SecretAccessKey != "" {
			s3.SecretAccessKey = mask
		}

		c.Export.S3 = &s3
	}

	return c
}
