// Package config loads service configuration from a TOML file overlaid with
// SANDBOX_-prefixed environment variables. The file path comes from
// SANDBOX_CONFIG_PATH and defaults to ./config.toml; a missing file is fine
// when the environment supplies everything.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved service configuration shared by the server
// and worker entrypoints.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	ObjectStorage ObjectStorageConfig `mapstructure:"object_storage"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Token         TokenConfig         `mapstructure:"token"`
	Server        ServerConfig        `mapstructure:"server"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	MetricsPush   MetricsPushConfig   `mapstructure:"metrics_push"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Log           LogConfig           `mapstructure:"log"`
}

type DatabaseConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
}

type ObjectStorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
}

type AuthConfig struct {
	// EncodingKey is the RSA private key PEM used to sign user tokens.
	EncodingKey       string `mapstructure:"encoding_key"`
	OAuthClientID     string `mapstructure:"oauth_client_id"`
	OAuthClientSecret string `mapstructure:"oauth_client_secret"`
}

type TokenConfig struct {
	// DecodingKey is the RSA public key PEM used to verify user tokens.
	DecodingKey string `mapstructure:"decoding_key"`
	// WorkerToken is the shared secret workers present in x-access-token.
	WorkerToken string `mapstructure:"worker_token"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type WorkerConfig struct {
	// Endpoint is the base URL of the dispatcher API.
	Endpoint string `mapstructure:"endpoint"`
}

type MetricsPushConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type SchedulerConfig struct {
	Name           string        `mapstructure:"name"`
	AutoShutdown   bool          `mapstructure:"auto_shutdown"`
	IdleAfter      time.Duration `mapstructure:"idle_after"`
	StallThreshold time.Duration `mapstructure:"stall_threshold"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

const (
	configPathEnv     = "SANDBOX_CONFIG_PATH"
	defaultConfigPath = "./config.toml"
	envPrefix         = "SANDBOX"
)

// Load reads, overlays, and validates nothing: callers validate the keys
// they actually need so the worker does not demand server-only secrets.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)
	v.SetDefault("object_storage.bucket", "sandbox")
	v.SetDefault("scheduler.name", "pg_queue")
	v.SetDefault("scheduler.auto_shutdown", false)
	v.SetDefault("scheduler.idle_after", time.Hour)
	v.SetDefault("scheduler.stall_threshold", 30*time.Minute)
	v.SetDefault("log.level", "info")

	// Viper only overlays environment values onto keys it already knows
	// about, so every recognized key gets an empty default.
	for _, key := range []string{
		"database.connection_string",
		"object_storage.endpoint", "object_storage.region",
		"object_storage.access_key", "object_storage.secret_key",
		"auth.encoding_key", "auth.oauth_client_id", "auth.oauth_client_secret",
		"token.decoding_key", "token.worker_token",
		"worker.endpoint",
		"metrics_push.enabled", "metrics_push.endpoint",
		"metrics_push.username", "metrics_push.password",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("metrics_push.enabled", false)

	path := os.Getenv(configPathEnv)
	if path == "" {
		path = defaultConfigPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(underlyingPathError(err)) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func underlyingPathError(err error) error {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return pathErr
	}
	return err
}
