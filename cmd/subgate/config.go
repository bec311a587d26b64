package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "SUBGATE"

// Config is the service configuration, read from flags, SUBGATE_* environment
// variables and an optional YAML file.
type Config struct {
	Stripe struct {
		APIKey            string `mapstructure:"api_key"`
		WebhookSecret     string `mapstructure:"webhook_secret"`
		UserIDMetadataKey string `mapstructure:"user_id_metadata_key"`
		SuccessURL        string `mapstructure:"success_url"`
		CancelURL         string `mapstructure:"cancel_url"`
	} `mapstructure:"stripe"`

	Storage struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`

	Postgres struct {
		DSN      string `mapstructure:"dsn"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"postgres"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Firestore struct {
		ProjectID string `mapstructure:"project_id"`
	} `mapstructure:"firestore"`

	HTTP struct {
		Addr       string `mapstructure:"addr"`
		BaseURL    string `mapstructure:"base_url"`
		UserHeader string `mapstructure:"user_header"`
		// TrustProxy takes the client address from X-Forwarded-For or
		// X-Real-IP. Only enable it behind a proxy that overwrites them.
		TrustProxy bool `mapstructure:"trust_proxy"`
	} `mapstructure:"http"`

	Cache struct {
		Size int           `mapstructure:"size"`
		TTL  time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`

	Resolve struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"resolve"`

	Breaker struct {
		Enabled          bool          `mapstructure:"enabled"`
		FailureThreshold int           `mapstructure:"failure_threshold"`
		ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	} `mapstructure:"breaker"`

	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`

	Metrics struct {
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"metrics"`

	Catalog struct {
		File string `mapstructure:"file"`
	} `mapstructure:"catalog"`
}

// Storage drivers
const (
	driverMemory    = "memory"
	driverPostgres  = "postgres"
	driverRedis     = "redis"
	driverFirestore = "firestore"
	driverTiered    = "tiered"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.user_id_metadata_key", "user_id")
	v.SetDefault("stripe.success_url", "")
	v.SetDefault("stripe.cancel_url", "")
	v.SetDefault("storage.driver", driverMemory)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("firestore.project_id", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.base_url", "http://localhost:8080")
	v.SetDefault("http.user_header", "X-User-ID")
	v.SetDefault("http.trust_proxy", false)
	v.SetDefault("cache.size", 1000)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("resolve.timeout", 3*time.Second)
	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.namespace", "subgate")
	v.SetDefault("catalog.file", "")
}

// loadDotEnv copies a .env file into the process environment; a missing file is fine.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the configuration. Every key has a default so SUBGATE_*
// variables override nested keys, e.g. SUBGATE_STRIPE_API_KEY.
func loadConfig(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case driverMemory, driverRedis:
	case driverPostgres, driverTiered:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for storage driver %q", c.Storage.Driver)
		}
	case driverFirestore:
		if c.Firestore.ProjectID == "" {
			return errors.New("firestore.project_id is required for storage driver \"firestore\"")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.HTTP.UserHeader == "" {
		return errors.New("http.user_header must not be empty")
	}
	return nil
}
