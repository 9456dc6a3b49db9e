// Package config loads platform configuration via viper, layering a YAML
// file with environment-variable overrides the way a cobra root command
// binds flags/env onto viper keys. It also implements
// contracts.ConfigSource by reading the record-types/statuses/modules keys
// the schema validator needs.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"civicrecords.dev/platform/contracts"
)

// Config is the resolved platform configuration.
type Config struct {
	DatabaseURL     string
	DataRoot        string
	GitRemote       string
	RedisURL        string
	RecoverySweep   time.Duration
	LockTimeout     time.Duration
	IdempotencyTTL  time.Duration
	LogLevel        string
	LogFormat       string
}

// Load reads configuration from an optional file at path (searching the
// working directory and $HOME for ".civicrecords.yaml" when path is
// empty), then layers CIVICRECORDS_-prefixed environment variables on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CIVICRECORDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.url", "postgres://localhost:5432/civicrecords")
	v.SetDefault("data.root", "./data")
	v.SetDefault("git.remote", "")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("recovery.sweep_interval", 30*time.Second)
	v.SetDefault("lock.timeout", 5*time.Minute)
	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(".civicrecords")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return &Config{
		DatabaseURL:    v.GetString("database.url"),
		DataRoot:       v.GetString("data.root"),
		GitRemote:      v.GetString("git.remote"),
		RedisURL:       v.GetString("redis.url"),
		RecoverySweep:  v.GetDuration("recovery.sweep_interval"),
		LockTimeout:    v.GetDuration("lock.timeout"),
		IdempotencyTTL: v.GetDuration("idempotency.ttl"),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
	}, nil
}

// StaticSource is a contracts.ConfigSource backed by values already
// resolved at startup (rather than re-read per call), used until a
// database-backed module registry exists.
type StaticSource struct {
	RecordTypes    []string
	RecordStatuses []string
	Modules        []contracts.ModuleConfig
}

func (s *StaticSource) GetRecordTypesConfig(ctx context.Context) ([]string, error) {
	return s.RecordTypes, nil
}

func (s *StaticSource) GetRecordStatusesConfig(ctx context.Context) ([]string, error) {
	return s.RecordStatuses, nil
}

func (s *StaticSource) GetModules(ctx context.Context) ([]contracts.ModuleConfig, error) {
	return s.Modules, nil
}
