// Package config loads the service configuration from defaults, an
// optional YAML file and SPARKFLEET_-prefixed environment variables,
// with runtime overrides winning over everything.
package config

import "time"

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the log level and encoder profile.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// StoreConfig locates the SQLite state store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ProviderConfig configures the EMR adapter. Credentials are optional;
// the default AWS chain applies when unset.
type ProviderConfig struct {
	Region          string `mapstructure:"region"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	SparkBucket        string `mapstructure:"spark_bucket"`
	LogBucket          string `mapstructure:"log_bucket"`
	EC2KeyName         string `mapstructure:"ec2_key_name"`
	MasterInstanceType string `mapstructure:"master_instance_type"`
	WorkerInstanceType string `mapstructure:"worker_instance_type"`
	InstanceProfile    string `mapstructure:"instance_profile"`

	// RatePerSecond caps Describe/List calls; zero disables limiting.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`
}

// MailConfig configures the SES notifier.
type MailConfig struct {
	Region string `mapstructure:"region"`
	Source string `mapstructure:"source"`

	// AlertCC, when set, receives a copy of job failure and timeout mails.
	AlertCC string `mapstructure:"alert_cc"`
}

// ArtifactConfig names the object-store buckets.
type ArtifactConfig struct {
	NotebookBucket string `mapstructure:"notebook_bucket"`
	PublicBucket   string `mapstructure:"public_bucket"`
	PrivateBucket  string `mapstructure:"private_bucket"`

	// Endpoint and PathStyle support S3-compatible stores in dev.
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig toggles development aids.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Store     StoreConfig    `mapstructure:"store"`
	Provider  ProviderConfig `mapstructure:"provider"`
	Mail      MailConfig     `mapstructure:"mail"`
	Artifacts ArtifactConfig `mapstructure:"artifacts"`
	Health    HealthConfig   `mapstructure:"health"`
	Debug     DebugConfig    `mapstructure:"debug"`

	// Workers sizes the task worker pool.
	Workers int `mapstructure:"workers"`

	// SiteURL is the frontend base URL linked from notification mails.
	SiteURL string `mapstructure:"site_url"`
}
