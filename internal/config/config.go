// Package config loads engine and server settings from an optional YAML
// file with NMRI_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DefaultModel    string         `yaml:"defaultModel"`
	ModelPath       string         `yaml:"modelPath"`
	Device          string         `yaml:"device"`
	MaxCacheEntries int            `yaml:"maxCacheEntries"`
	SAE             SAEConfig      `yaml:"sae"`
	Analysis        AnalysisConfig `yaml:"analysis"`
	Server          ServerConfig   `yaml:"server"`
	Logging         LoggingConfig  `yaml:"logging"`
}

// SAEConfig locates sparse-feature decoder files.
type SAEConfig struct {
	Dir      string `yaml:"dir"`
	Registry string `yaml:"registry"`
}

type AnalysisConfig struct {
	WeightWorkers    int     `yaml:"weightWorkers"`
	PathwayThreshold float64 `yaml:"pathwayThreshold"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		DefaultModel:    "gpt2",
		Device:          "auto",
		MaxCacheEntries: 5,
		SAE: SAEConfig{
			Dir: "saes",
		},
		Analysis: AnalysisConfig{
			WeightWorkers:    4,
			PathwayThreshold: 0.3,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) Validate() error {
	if c.MaxCacheEntries <= 0 {
		return fmt.Errorf("maxCacheEntries must be positive, got %d", c.MaxCacheEntries)
	}
	if c.Analysis.WeightWorkers <= 0 {
		return fmt.Errorf("analysis.weightWorkers must be positive, got %d", c.Analysis.WeightWorkers)
	}
	if c.Analysis.PathwayThreshold < 0 || c.Analysis.PathwayThreshold > 1 {
		return fmt.Errorf("analysis.pathwayThreshold must be in [0,1], got %v", c.Analysis.PathwayThreshold)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NMRI_DEFAULT_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("NMRI_MODEL_PATH"); v != "" {
		cfg.ModelPath = v
	}
	if v := os.Getenv("NMRI_DEVICE"); v != "" {
		cfg.Device = v
	}
	if v := os.Getenv("NMRI_MAX_CACHE_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxCacheEntries = n
		}
	}
	if v := os.Getenv("NMRI_SAE_DIR"); v != "" {
		cfg.SAE.Dir = v
	}
	if v := os.Getenv("NMRI_SAE_REGISTRY"); v != "" {
		cfg.SAE.Registry = v
	}
	if v := os.Getenv("NMRI_WEIGHT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.WeightWorkers = n
		}
	}
	if v := os.Getenv("NMRI_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("NMRI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("NMRI_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NMRI_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
