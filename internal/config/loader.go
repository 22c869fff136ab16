package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "SPARKFLEET"
	configName = "sparkfleet"
)

var (
	configMu     sync.Mutex
	appConfig    *Config
	explicitFile string
)

// SetConfigFile forces an explicit config file for subsequent Loads,
// typically from a --config flag. An empty path restores the default
// search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	explicitFile = path
}

// Load builds the configuration: defaults, then an optional config
// file, then environment variables, then the given runtime overrides.
// The result is cached for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configMu.Lock()
	file := explicitFile
	configMu.Unlock()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		for _, dir := range configPaths() {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	// Runtime overrides use Set, which outranks env and file values.
	for _, override := range overrides {
		applyOverrides(v, "", override)
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil
// before the first Load.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

func applyOverrides(v *viper.Viper, prefix string, values map[string]any) {
	for key, val := range values {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, path, nested)
			continue
		}
		v.Set(path, val)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("store.path", defaultStorePath())

	v.SetDefault("provider.region", "us-west-2")
	v.SetDefault("provider.master_instance_type", "m5.xlarge")
	v.SetDefault("provider.worker_instance_type", "m5.xlarge")
	v.SetDefault("provider.rate_per_second", 4.0)
	v.SetDefault("provider.rate_burst", 8)

	v.SetDefault("mail.region", "us-west-2")

	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)
}

// bindEnvAliases maps the short operator-facing variable names onto
// their config paths, e.g. SPARKFLEET_PORT instead of
// SPARKFLEET_SERVER_PORT.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"server.host":             "HOST",
		"server.port":             "PORT",
		"server.read_timeout":     "READ_TIMEOUT",
		"server.write_timeout":    "WRITE_TIMEOUT",
		"server.shutdown_timeout": "SHUTDOWN_TIMEOUT",
		"logging.level":           "LOG_LEVEL",
		"store.path":              "STORE_PATH",
		"provider.region":         "AWS_REGION",
		"mail.source":             "MAIL_SOURCE",
		"site_url":                "SITE_URL",
	}
	for path, name := range aliases {
		_ = v.BindEnv(path, envPrefix+"_"+name)
	}
}

func configPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sparkfleet"))
	}
	paths = append(paths, "/etc/sparkfleet")
	return paths
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sparkfleet.db"
	}
	return filepath.Join(home, ".local", "share", "sparkfleet", "sparkfleet.db")
}
