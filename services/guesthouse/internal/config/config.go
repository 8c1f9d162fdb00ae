package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is where the service looks for its YAML file.
var ConfigPath = envOr("GUESTHOUSE_CONFIG", "config.yaml")

const minTokenSecretLen = 32

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// StoreDriver is "postgres" (default) or "memory".
	StoreDriver string `yaml:"storeDriver"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	TokenSecret   string `yaml:"tokenSecret"`
	TokenIssuer   string `yaml:"tokenIssuer"`
	HostTokenTTL  string `yaml:"hostTokenTTL"`
	GuestTokenTTL string `yaml:"guestTokenTTL"`

	AccountJWKSURL  string `yaml:"accountJwksURL"`
	AccountIssuer   string `yaml:"accountIssuer"`
	AccountAudience string `yaml:"accountAudience"`
	AccountLeeway   string `yaml:"accountLeeway"`

	CORSOrigins       []string `yaml:"corsOrigins"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	ChangeFeedMaxLen int64  `yaml:"changeFeedMaxLen"`
	ChangeFeedTTL    string `yaml:"changeFeedTTL"`
	AMQPURL          string `yaml:"amqpURL"`
	AMQPExchange     string `yaml:"amqpExchange"`

	GradingStream string `yaml:"gradingStream"`

	MinioEndpoint     string `yaml:"minioEndpoint"`
	MinioAccessKey    string `yaml:"minioAccessKey"`
	MinioSecretKey    string `yaml:"minioSecretKey"`
	MinioBucket       string `yaml:"minioBucket"`
	MinioUseSSL       bool   `yaml:"minioUseSSL"`
	ResultsLinkExpiry string `yaml:"resultsLinkExpiry"`

	JoinRateLimitPerMinute   int `yaml:"joinRateLimitPerMinute"`
	SubmitRateLimitPerMinute int `yaml:"submitRateLimitPerMinute"`
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
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GUESTHOUSE_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("GUESTHOUSE_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("GUESTHOUSE_ACCOUNT_JWKS_URL"); v != "" {
		cfg.AccountJWKSURL = v
	}
	if v := os.Getenv("GUESTHOUSE_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("GUESTHOUSE_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("GUESTHOUSE_SUBMIT_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SubmitRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("GUESTHOUSE_JOIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JoinRateLimitPerMinute = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "postgres"
	}
	if cfg.GradingStream == "" {
		cfg.GradingStream = "guesthouse:grading"
	}
	if cfg.SubmitRateLimitPerMinute == 0 {
		cfg.SubmitRateLimitPerMinute = 30
	}
	if cfg.JoinRateLimitPerMinute == 0 {
		cfg.JoinRateLimitPerMinute = 20
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for storeDriver postgres (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeDriver %q (want postgres or memory)", cfg.StoreDriver)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if len(strings.TrimSpace(cfg.TokenSecret)) < minTokenSecretLen {
		return fmt.Errorf("config: tokenSecret must be at least %d bytes (set in config.yaml or GUESTHOUSE_TOKEN_SECRET)", minTokenSecretLen)
	}
	if cfg.SubmitRateLimitPerMinute < 0 || cfg.JoinRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must not be negative")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioBucket == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioBucket, minioAccessKey and minioSecretKey are required when minioEndpoint is set")
	}
	for field, raw := range map[string]string{
		"hostTokenTTL":      cfg.HostTokenTTL,
		"guestTokenTTL":     cfg.GuestTokenTTL,
		"accountLeeway":     cfg.AccountLeeway,
		"changeFeedTTL":     cfg.ChangeFeedTTL,
		"resultsLinkExpiry": cfg.ResultsLinkExpiry,
	} {
		if _, err := ParseDuration(field, raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses an optional duration field. Empty means zero, which
// callers treat as "use the default".
func ParseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", field)
	}
	return dur, nil
}

// MustDuration parses a field already checked by Load.
func MustDuration(raw string) time.Duration {
	dur, _ := ParseDuration("", raw)
	return dur
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
