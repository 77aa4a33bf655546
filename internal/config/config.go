// Package config loads service configuration from a YAML file with
// environment overrides for the secrets and endpoints that differ per deploy.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Targets      TargetsConfig      `yaml:"targets"`
	Executor     ExecutorConfig     `yaml:"executor"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type OrchestratorConfig struct {
	Workers              int `yaml:"workers"`
	MaxRetries           int `yaml:"max_retries"`
	BaseDelaySeconds     int `yaml:"base_delay_seconds"`
	MaxDelaySeconds      int `yaml:"max_delay_seconds"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

type TargetsConfig struct {
	Dir string `yaml:"dir"`
}

type ExecutorConfig struct {
	WebhookEndpoint string `yaml:"webhook_endpoint"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Default returns the tuning used when no config file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "development"},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Orchestrator: OrchestratorConfig{
			Workers:              8,
			MaxRetries:           3,
			BaseDelaySeconds:     5,
			MaxDelaySeconds:      300,
			ShutdownGraceSeconds: 60,
		},
		Targets:  TargetsConfig{Dir: "targets"},
		Executor: ExecutorConfig{TimeoutSeconds: 300},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets deploy environments override wiring without editing the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("WEBHOOK_ENDPOINT"); v != "" {
		c.Executor.WebhookEndpoint = v
	}
	if v := os.Getenv("TARGETS_DIR"); v != "" {
		c.Targets.Dir = v
	}
	if v := os.Getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Orchestrator.Workers = n
		}
	}
}
