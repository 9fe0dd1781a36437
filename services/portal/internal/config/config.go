package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"bolashakai/pkg/dataaccess"
)

// ConfigPath is the default config location, overridable with CONFIG_PATH.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// LocalStoreConfig selects the fallback store backend.
type LocalStoreConfig struct {
	// Backend is "memory" (default), "file" or "redis".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	Prefix  string `yaml:"prefix"`
}

type AIConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"apiKey"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"baseURL"`
}

// MinioConfig enables the backup archive when Endpoint is set.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// DataMode is "remote" (default) or "local". Local mode serves every
	// request from the local store and needs no data API.
	DataMode           string `yaml:"dataMode"`
	DataAPIURL         string `yaml:"dataAPIURL"`
	ServiceTokenSecret string `yaml:"serviceTokenSecret"`
	ServiceTokenKeyID  string `yaml:"serviceTokenKeyId"`

	SessionSecret     string `yaml:"sessionSecret"`
	SessionTTLMinutes int    `yaml:"sessionTTLMinutes"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	LocalStore        LocalStoreConfig `yaml:"localStore"`
	FallbackResources []string         `yaml:"fallbackResources"`

	AI          AIConfig    `yaml:"ai"`
	JobsBaseURL string      `yaml:"jobsBaseURL"`
	Minio       MinioConfig `yaml:"minio"`

	LoginRateLimitPerMinute    int `yaml:"loginRateLimitPerMinute"`
	RegisterRateLimitPerMinute int `yaml:"registerRateLimitPerMinute"`
	ChatRateLimitPerMinute     int `yaml:"chatRateLimitPerMinute"`

	CORSOrigins    []string `yaml:"corsOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`
	MaxUploadBytes int64    `yaml:"maxUploadBytes"`
}

// Local reports whether the portal runs without the data API.
func (c FileConfig) Local() bool { return c.DataMode == "local" }

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
	if v := os.Getenv("DATA_MODE"); v != "" {
		cfg.DataMode = v
	}
	if v := os.Getenv("DATAAPI_URL"); v != "" {
		cfg.DataAPIURL = v
	}
	if v := os.Getenv("SERVICE_TOKEN_SECRET"); v != "" {
		cfg.ServiceTokenSecret = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("SESSION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTLMinutes = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LOCAL_STORE_BACKEND"); v != "" {
		cfg.LocalStore.Backend = v
	}
	if v := os.Getenv("LOCAL_STORE_PATH"); v != "" {
		cfg.LocalStore.Path = v
	}
	if v := os.Getenv("FALLBACK_RESOURCES"); v != "" {
		cfg.FallbackResources = splitCSV(v)
	}
	if v := os.Getenv("AI_PROVIDER"); v != "" {
		cfg.AI.Provider = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("HH_BASE_URL"); v != "" {
		cfg.JobsBaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Minio.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Minio.Bucket = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	normalize(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *FileConfig) {
	cfg.DataAPIURL = strings.TrimRight(strings.TrimSpace(cfg.DataAPIURL), "/")
	cfg.DataMode = strings.ToLower(strings.TrimSpace(cfg.DataMode))
	if cfg.DataMode == "" {
		cfg.DataMode = "remote"
	}
	cfg.LocalStore.Backend = strings.ToLower(strings.TrimSpace(cfg.LocalStore.Backend))
	if cfg.LocalStore.Backend == "" {
		cfg.LocalStore.Backend = "memory"
	}
	if cfg.LocalStore.Prefix == "" {
		cfg.LocalStore.Prefix = "bolashak:local"
	}
	cfg.AI.Provider = strings.ToLower(strings.TrimSpace(cfg.AI.Provider))
	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "gemini"
	}
	if cfg.SessionTTLMinutes <= 0 {
		cfg.SessionTTLMinutes = 12 * 60
	}
	if cfg.LoginRateLimitPerMinute <= 0 {
		cfg.LoginRateLimitPerMinute = 10
	}
	if cfg.RegisterRateLimitPerMinute <= 0 {
		cfg.RegisterRateLimitPerMinute = 5
	}
	if cfg.ChatRateLimitPerMinute <= 0 {
		cfg.ChatRateLimitPerMinute = 30
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.Minio.Bucket == "" {
		cfg.Minio.Bucket = "bolashak-backups"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.DataMode {
	case "local":
	case "remote":
		if cfg.DataAPIURL == "" {
			return errors.New("config: dataAPIURL is required (set in config.yaml or DATAAPI_URL)")
		}
		if cfg.ServiceTokenSecret == "" {
			return errors.New("config: serviceTokenSecret is required (set in config.yaml or SERVICE_TOKEN_SECRET)")
		}
	default:
		return fmt.Errorf("config: unknown dataMode %q (want remote or local)", cfg.DataMode)
	}
	if len(cfg.SessionSecret) < 32 {
		return errors.New("config: sessionSecret must be at least 32 bytes (set in config.yaml or SESSION_SECRET)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required for rate limiting and sessions (set in config.yaml or REDIS_ADDR)")
	}
	switch cfg.LocalStore.Backend {
	case "memory", "redis":
	case "file":
		if cfg.LocalStore.Path == "" {
			return errors.New("config: localStore.path is required for the file backend")
		}
	default:
		return fmt.Errorf("config: unknown localStore.backend %q (want memory, file or redis)", cfg.LocalStore.Backend)
	}
	if _, err := dataaccess.ParsePolicy(cfg.FallbackResources); err != nil {
		return fmt.Errorf("config: fallbackResources: %w", err)
	}
	switch cfg.AI.Provider {
	case "gemini":
	case "openai", "openai-compat":
		if cfg.AI.Model == "" {
			return errors.New("config: ai.model is required for the openai provider")
		}
	default:
		return fmt.Errorf("config: unknown ai.provider %q", cfg.AI.Provider)
	}
	if cfg.Minio.Endpoint != "" && (cfg.Minio.AccessKey == "" || cfg.Minio.SecretKey == "") {
		return errors.New("config: minio accessKey and secretKey are required when endpoint is set")
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
