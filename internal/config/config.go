package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/parking-match/internal/pricing"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// ServerConfig captures all tunable parameters for the API process. Defaults
// come first, then the YAML file named by CONFIG_FILE, then the environment.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"http_read_timeout"`
	WriteTimeout    time.Duration `yaml:"http_write_timeout"`
	IdleTimeout     time.Duration `yaml:"http_idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"http_shutdown_timeout"`

	LogLevel string `yaml:"log_level"`

	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	StorageBackend string `yaml:"storage_backend"`
	DataDir        string `yaml:"data_dir"`
	PGDSN          string `yaml:"pg_dsn"`
	RunMigrations  bool   `yaml:"migrate"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisChannel  string `yaml:"redis_channel"`

	KafkaBrokers        []string `yaml:"kafka_brokers"`
	KafkaEventsTopic    string   `yaml:"kafka_events_topic"`
	KafkaLocationsTopic string   `yaml:"kafka_locations_topic"`
	KafkaGroup          string   `yaml:"kafka_group"`

	NearbyRadiusMeters float64 `yaml:"nearby_default_radius_m"`
	FlatPrice          string  `yaml:"flat_price"`
	SubscriberBuffer   int     `yaml:"subscriber_buffer"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		LogLevel:            "info",
		JWTIssuer:           "parking-match",
		StorageBackend:      BackendMemory,
		RedisChannel:        "parking-match-events",
		KafkaEventsTopic:    "reservation-events",
		KafkaLocationsTopic: "driver-locations",
		KafkaGroup:          "parking-match",
		NearbyRadiusMeters:  5000,
		FlatPrice:           "10.00",
		SubscriberBuffer:    32,
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.DataDir, "DATA_DIR")
	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisChannel, "REDIS_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setFloatFromEnv(&cfg.NearbyRadiusMeters, "NEARBY_DEFAULT_RADIUS_M", &errs)
	setStringFromEnv(&cfg.FlatPrice, "FLAT_PRICE")
	setIntFromEnv(&cfg.SubscriberBuffer, "SUBSCRIBER_BUFFER", &errs)

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	switch c.StorageBackend {
	case BackendMemory:
	case BackendFile:
		if c.DataDir == "" {
			errs = append(errs, fmt.Errorf("DATA_DIR is required for the file backend"))
		}
	case BackendPostgres:
		if c.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if _, err := pricing.ParseFlatRate(c.FlatPrice); err != nil {
		errs = append(errs, fmt.Errorf("invalid FLAT_PRICE: %w", err))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SUBSCRIBER_BUFFER must be > 0"))
	}
	if c.NearbyRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_DEFAULT_RADIUS_M must be > 0"))
	}
	return errs
}

func loadFile(path string, cfg *ServerConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read CONFIG_FILE: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
