// Package config loads the shotrelay server configuration from a YAML file
// with environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" and "7d"-style
// "168h" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
	IdleTimeout  Duration `yaml:"idleTimeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	Secret string `yaml:"secret"`
}

type RealtimeConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	OfflineQueueTTL   Duration `yaml:"offlineQueueTTL"`
	LockTTL           Duration `yaml:"lockTTL"`
	PresenceTTL       Duration `yaml:"presenceTTL"`
	MaxConnections    int      `yaml:"maxConnections"`
	CheckOrigin       bool     `yaml:"checkOrigin"`
	AllowedOrigins    []string `yaml:"allowedOrigins"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Realtime RealtimeConfig `yaml:"realtime"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
			IdleTimeout:  Duration(60 * time.Second),
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: Duration(30 * time.Second),
			OfflineQueueTTL:   Duration(7 * 24 * time.Hour),
			LockTTL:           Duration(30 * time.Minute),
			PresenceTTL:       Duration(10 * time.Minute),
		},
	}
}

// Load reads configuration from the given YAML file, falling back to defaults
// when the path is empty, then applies environment overrides. Unknown file
// paths are an error; a missing optional file should be passed as "".
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SHOTRELAY_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SHOTRELAY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SHOTRELAY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SHOTRELAY_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("SHOTRELAY_JWT_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
}
