package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "SCRIPTHELPER"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "scripthelper.db"
	defaultRedisAddress    = "127.0.0.1:6379"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 60
	defaultTaskChannel     = "generation-tasks"
	defaultSweepMinutes    = 5
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	RedisAddress     string
	SigningSecret    string
	WorkerSecret     string
	TokenTTL         time.Duration
	LogLevel         string
	TaskChannel      string
	TaskSweepEvery   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("tasks.channel", defaultTaskChannel)
	configViper.SetDefault("tasks.sweep_minutes", defaultSweepMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		RedisAddress:   configViper.GetString("redis.address"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		WorkerSecret:   configViper.GetString("auth.worker_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		LogLevel:       configViper.GetString("log.level"),
		TaskChannel:    configViper.GetString("tasks.channel"),
		TaskSweepEvery: time.Duration(configViper.GetInt("tasks.sweep_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.WorkerSecret) == "" {
		return fmt.Errorf("auth.worker_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required")
	}
	if strings.TrimSpace(c.TaskChannel) == "" {
		return fmt.Errorf("tasks.channel is required")
	}
	return nil
}
