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

// ConfigPath is the default config file, overridable with CONFIG_PATH.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// Appointment-creation policies.
const (
	PolicyPlannedOnly = "planned-only"
	PolicyAnyExisting = "any-existing"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                    string          `yaml:"port"`
	LogLevel                string          `yaml:"logLevel"`
	DatabaseURL             string          `yaml:"databaseURL"`
	RedisAddr               string          `yaml:"redisAddr"`
	RedisPassword           string          `yaml:"redisPassword"`
	DefaultDoctorID         int64           `yaml:"defaultDoctorID"`
	AppointmentPolicy       string          `yaml:"appointmentPolicy"`
	ResumeEmptyConsultation *bool           `yaml:"resumeEmptyConsultation"`
	TrustedProxyCIDRs       []string        `yaml:"trustedProxyCidrs"`
	CORSOrigins             []string        `yaml:"corsOrigins"`
	Inference               InferenceConfig `yaml:"inference"`
	Ledger                  LedgerConfig    `yaml:"ledger"`
	Queue                   QueueConfig     `yaml:"queue"`
	Outbox                  OutboxConfig    `yaml:"outbox"`
	Events                  EventsConfig    `yaml:"events"`
	Reports                 ReportsConfig   `yaml:"reports"`
	Auth                    AuthConfig      `yaml:"auth"`
	RateLimit               RateLimitConfig `yaml:"rateLimit"`
}

type InferenceConfig struct {
	// Provider is one of remote, openai-compat, openai, gemini, ollama.
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"baseURL"`
	APIKey   string `yaml:"apiKey"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

type LedgerConfig struct {
	BaseURL        string `yaml:"baseURL"`
	Timeout        string `yaml:"timeout"`
	Issuer         string `yaml:"issuer"`
	PrivateKeyPath string `yaml:"privateKeyPath"`
	KeyID          string `yaml:"keyID"`
}

type QueueConfig struct {
	// Backend is redis or rabbitmq.
	Backend     string `yaml:"backend"`
	Name        string `yaml:"name"`
	Group       string `yaml:"group"`
	Concurrency int    `yaml:"concurrency"`
	MaxRetries  int    `yaml:"maxRetries"`
	RetryDelay  string `yaml:"retryDelay"`
	AMQPURL     string `yaml:"amqpURL"`
}

type OutboxConfig struct {
	RelayInterval string `yaml:"relayInterval"`
	RelayAfter    string `yaml:"relayAfter"`
	Batch         int    `yaml:"batch"`
}

type EventsConfig struct {
	KafkaBrokers []string `yaml:"kafkaBrokers"`
	Topic        string   `yaml:"topic"`
}

type ReportsConfig struct {
	MinioEndpoint string `yaml:"minioEndpoint"`
	AccessKey     string `yaml:"accessKey"`
	SecretKey     string `yaml:"secretKey"`
	Bucket        string `yaml:"bucket"`
	UseSSL        bool   `yaml:"useSSL"`
}

type AuthConfig struct {
	JWKSURL  string `yaml:"jwksURL"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	Leeway   string `yaml:"leeway"`
}

type RateLimitConfig struct {
	ChatPerMinute    int `yaml:"chatPerMinute"`
	BookingPerMinute int `yaml:"bookingPerMinute"`
}

// Load reads config from path (defaults to config.yaml).
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
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CONSULTATION_DEFAULT_DOCTOR_ID"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.DefaultDoctorID = n
		}
	}
	if v := os.Getenv("CONSULTATION_APPOINTMENT_POLICY"); v != "" {
		cfg.AppointmentPolicy = strings.TrimSpace(v)
	}
	if v := os.Getenv("INFERENCE_PROVIDER"); v != "" {
		cfg.Inference.Provider = strings.TrimSpace(v)
	}
	if v := os.Getenv("INFERENCE_BASE_URL"); v != "" {
		cfg.Inference.BaseURL = v
	}
	if v := os.Getenv("INFERENCE_API_KEY"); v != "" {
		cfg.Inference.APIKey = v
	}
	if v := os.Getenv("INFERENCE_MODEL"); v != "" {
		cfg.Inference.Model = v
	}
	if v := os.Getenv("LEDGER_BASE_URL"); v != "" {
		cfg.Ledger.BaseURL = v
	}
	if v := os.Getenv("LEDGER_PRIVATE_KEY_PATH"); v != "" {
		cfg.Ledger.PrivateKeyPath = v
	}
	if v := os.Getenv("QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = strings.TrimSpace(v)
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Queue.AMQPURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Events.KafkaBrokers = splitCSV(v)
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Reports.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Reports.SecretKey = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.Auth.JWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("CONSULTATION_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.AppointmentPolicy == "" {
		cfg.AppointmentPolicy = PolicyPlannedOnly
	}
	if cfg.ResumeEmptyConsultation == nil {
		resume := true
		cfg.ResumeEmptyConsultation = &resume
	}
	if cfg.Inference.Provider == "" {
		cfg.Inference.Provider = "remote"
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "redis"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "medconsult:jobs"
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = "consultation-workers"
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 2
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 5
	}
	if cfg.Outbox.Batch <= 0 {
		cfg.Outbox.Batch = 100
	}
	if cfg.Ledger.Issuer == "" {
		cfg.Ledger.Issuer = "consultation-service"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the job queue and rate limiting")
	}
	if cfg.AppointmentPolicy != PolicyPlannedOnly && cfg.AppointmentPolicy != PolicyAnyExisting {
		return fmt.Errorf("config: appointmentPolicy must be %q or %q", PolicyPlannedOnly, PolicyAnyExisting)
	}
	switch cfg.Inference.Provider {
	case "remote", "openai-compat", "ollama":
		if strings.TrimSpace(cfg.Inference.BaseURL) == "" && cfg.Inference.Provider != "ollama" {
			return errors.New("config: inference.baseURL is required (set in config.yaml or INFERENCE_BASE_URL)")
		}
	case "openai", "gemini":
		if strings.TrimSpace(cfg.Inference.APIKey) == "" {
			return errors.New("config: inference.apiKey is required (set in config.yaml or INFERENCE_API_KEY)")
		}
	default:
		return fmt.Errorf("config: unknown inference.provider %q", cfg.Inference.Provider)
	}
	if strings.TrimSpace(cfg.Ledger.BaseURL) == "" {
		return errors.New("config: ledger.baseURL is required (set in config.yaml or LEDGER_BASE_URL)")
	}
	if strings.TrimSpace(cfg.Ledger.PrivateKeyPath) == "" {
		return errors.New("config: ledger.privateKeyPath is required (set in config.yaml or LEDGER_PRIVATE_KEY_PATH)")
	}
	switch cfg.Queue.Backend {
	case "redis":
	case "rabbitmq":
		if strings.TrimSpace(cfg.Queue.AMQPURL) == "" {
			return errors.New("config: queue.amqpURL is required for the rabbitmq backend")
		}
	default:
		return fmt.Errorf("config: unknown queue.backend %q", cfg.Queue.Backend)
	}
	if len(cfg.Events.KafkaBrokers) > 0 && strings.TrimSpace(cfg.Events.Topic) == "" {
		return errors.New("config: events.topic is required when kafkaBrokers are set")
	}
	if cfg.Reports.MinioEndpoint != "" && cfg.Reports.Bucket == "" {
		return errors.New("config: reports.bucket is required when minioEndpoint is set")
	}
	if strings.TrimSpace(cfg.Auth.JWKSURL) == "" {
		return errors.New("config: auth.jwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if cfg.RateLimit.ChatPerMinute < 0 || cfg.RateLimit.BookingPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	for _, d := range []struct{ name, value string }{
		{"inference.timeout", cfg.Inference.Timeout},
		{"ledger.timeout", cfg.Ledger.Timeout},
		{"queue.retryDelay", cfg.Queue.RetryDelay},
		{"outbox.relayInterval", cfg.Outbox.RelayInterval},
		{"outbox.relayAfter", cfg.Outbox.RelayAfter},
		{"auth.leeway", cfg.Auth.Leeway},
	} {
		if _, err := ParseDuration(d.value, 0); err != nil {
			return fmt.Errorf("config: %s: %w", d.name, err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration string, returning def when empty.
func ParseDuration(value string, def time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return dur, nil
}

// MustDuration is ParseDuration for values already checked by Load.
func MustDuration(value string, def time.Duration) time.Duration {
	dur, err := ParseDuration(value, def)
	if err != nil {
		return def
	}
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

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
