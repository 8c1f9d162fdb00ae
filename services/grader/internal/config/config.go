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
var ConfigPath = envOr("GRADER_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	// InternalToken guards the job status endpoint when set.
	InternalToken string `yaml:"internalToken"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	AMQPURL       string `yaml:"amqpURL"`
	AMQPExchange  string `yaml:"amqpExchange"`

	GradingStream string `yaml:"gradingStream"`
	ConsumerGroup string `yaml:"consumerGroup"`
	Concurrency   int    `yaml:"concurrency"`
	MaxRetries    int    `yaml:"maxRetries"`
	RetryDelay    string `yaml:"retryDelay"`

	GeneratorProvider string `yaml:"generatorProvider"`
	GeneratorBaseURL  string `yaml:"generatorBaseURL"`
	GeneratorAPIKey   string `yaml:"generatorAPIKey"`
	GeneratorModel    string `yaml:"generatorModel"`
	GeneratorJSONMode bool   `yaml:"generatorJSONMode"`
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
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("GRADER_INTERNAL_TOKEN"); v != "" {
		cfg.InternalToken = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("GRADER_PROVIDER"); v != "" {
		cfg.GeneratorProvider = v
	}
	if v := os.Getenv("GRADER_BASE_URL"); v != "" {
		cfg.GeneratorBaseURL = v
	}
	if v := os.Getenv("GRADER_API_KEY"); v != "" {
		cfg.GeneratorAPIKey = v
	}
	if v := os.Getenv("GRADER_MODEL"); v != "" {
		cfg.GeneratorModel = v
	}
	if v := os.Getenv("GRADER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if cfg.GradingStream == "" {
		cfg.GradingStream = "guesthouse:grading"
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.GeneratorModel == "" {
		return errors.New("config: generatorModel is required (set in config.yaml or GRADER_MODEL)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.GeneratorProvider)) {
	case "", "ollama":
	case "openai", "openai-compat":
		if cfg.GeneratorBaseURL == "" {
			return errors.New("config: generatorBaseURL is required for openai-compatible providers")
		}
	default:
		return fmt.Errorf("config: unknown generatorProvider %q", cfg.GeneratorProvider)
	}
	if cfg.Concurrency < 1 || cfg.Concurrency > 64 {
		return fmt.Errorf("config: concurrency must be between 1 and 64, got %d", cfg.Concurrency)
	}
	if _, err := RetryDelay(cfg); err != nil {
		return err
	}
	return nil
}

// RetryDelay parses the optional retry delay.
func RetryDelay(cfg FileConfig) (time.Duration, error) {
	raw := strings.TrimSpace(cfg.RetryDelay)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config: invalid retryDelay %q", raw)
	}
	return d, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
