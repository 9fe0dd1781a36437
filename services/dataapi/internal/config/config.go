package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with CONFIG_PATH.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	// Store selects "postgres" (default) or "memory".
	Store       string `yaml:"store"`
	DatabaseURL string `yaml:"databaseURL"`

	ServiceTokenSecret          string   `yaml:"serviceTokenSecret"`
	ServiceTokenKeyID           string   `yaml:"serviceTokenKeyId"`
	ServiceTokenPreviousSecrets string   `yaml:"serviceTokenPreviousSecrets"`
	AllowedIssuers              []string `yaml:"allowedIssuers"`
	CORSOrigins                 []string `yaml:"corsOrigins"`
	MaxBodyBytes                int64    `yaml:"maxBodyBytes"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATAAPI_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SERVICE_TOKEN_SECRET"); v != "" {
		cfg.ServiceTokenSecret = v
	}
	if v := os.Getenv("SERVICE_TOKEN_PREVIOUS_SECRETS"); v != "" {
		cfg.ServiceTokenPreviousSecrets = v
	}
	if v := os.Getenv("DATAAPI_ALLOWED_ISSUERS"); v != "" {
		cfg.AllowedIssuers = splitCSV(v)
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	normalize(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *FileConfig) {
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if cfg.Store == "" {
		cfg.Store = "postgres"
	}
	if len(cfg.AllowedIssuers) == 0 {
		cfg.AllowedIssuers = []string{"portal", "portalctl"}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.Store {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres store (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store %q (want postgres or memory)", cfg.Store)
	}
	if cfg.ServiceTokenSecret == "" {
		return errors.New("config: serviceTokenSecret is required (set in config.yaml or SERVICE_TOKEN_SECRET)")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
