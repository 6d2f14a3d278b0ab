// Package config loads the hub's YAML configuration with environment
// variable overrides. A missing file is not an error; everything has a
// usable default for dev mode.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/genepool/internal/governor"
	"github.com/sawpanic/genepool/internal/infrastructure/db"
	httpiface "github.com/sawpanic/genepool/internal/interfaces/http"
	"github.com/sawpanic/genepool/internal/validation"
)

// RedisConfig configures the cache and the agent liveness registry.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Prefix  string `yaml:"prefix"`
	Enabled bool   `yaml:"enabled"`
}

// EvaluatorConfig points at the external backtest service.
type EvaluatorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ScheduleConfig is the evolution cycle timing.
type ScheduleConfig struct {
	CycleSpec string `yaml:"cycle_spec"`
}

// Config is the whole hub configuration tree.
type Config struct {
	LogLevel  string                 `yaml:"log_level"`
	Server    httpiface.ServerConfig `yaml:"server"`
	Database  db.Config              `yaml:"database"`
	Redis     RedisConfig            `yaml:"redis"`
	Pipeline  validation.Config      `yaml:"pipeline"`
	Evaluator EvaluatorConfig        `yaml:"evaluator"`
	Governor  governor.Config        `yaml:"governor"`
	Schedule  ScheduleConfig         `yaml:"schedule"`
}

// Load reads the YAML file at path (if it exists), applies environment
// overrides, then fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GENEPOOL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GENEPOOL_HTTP_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("GENEPOOL_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("PG_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Database.Enabled = enabled
		}
	}
	if v := os.Getenv("GENEPOOL_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("GENEPOOL_CYCLE_SPEC"); v != "" {
		c.Schedule.CycleSpec = v
	}
	if v := os.Getenv("GENEPOOL_EVALUATOR_URL"); v != "" {
		c.Evaluator.URL = v
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	defaults := httpiface.DefaultServerConfig()
	if c.Server.Host == "" {
		c.Server.Host = defaults.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Port
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaults.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = defaults.WriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = defaults.IdleTimeout
	}

	dbDefaults := db.DefaultConfig()
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = dbDefaults.MaxOpenConns
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = dbDefaults.MaxIdleConns
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = dbDefaults.ConnMaxLifetime
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = dbDefaults.ConnMaxIdleTime
	}
	if c.Database.QueryTimeout == 0 {
		c.Database.QueryTimeout = dbDefaults.QueryTimeout
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "genepool"
	}

	if c.Evaluator.Timeout == 0 {
		c.Evaluator.Timeout = 60 * time.Second
	}

	if c.Schedule.CycleSpec == "" {
		c.Schedule.CycleSpec = "0 */6 * * *"
	}
}
