package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr    string
	CORSOrigins []string
	LogLevel    string
	JWTSecret   string

	Database DatabaseConfig
	Redis    RedisConfig
	PubSub   PubSubConfig

	Payments       PaymentsConfig
	Reconciliation ReconciliationConfig

	ProvidersFile string
	Providers     map[string]ProviderConfig
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode,
	)
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	LockTTL  time.Duration
}

type PubSubConfig struct {
	ProjectID       string
	Topic           string
	CredentialsJSON string
}

type PaymentsConfig struct {
	SupportedCurrencies []string
	DefaultPhoneRegion  string
	RefundRoles         []string
	ProviderTimeout     time.Duration
}

type ReconciliationConfig struct {
	Workers             int
	QueueSize           int
	ProviderConcurrency int
	Interval            time.Duration
	Lookback            time.Duration
	StaleAfter          time.Duration
	AutoFix             bool
}

// ProviderConfig is one entry of the providers YAML file.
type ProviderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	SecretKey     string        `yaml:"secret_key"`
	PublicKey     string        `yaml:"public_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	CallbackURL   string        `yaml:"callback_url"`
	Timeout       time.Duration `yaml:"timeout"`
	PageSize      int           `yaml:"page_size"`
	Currencies    []string      `yaml:"currencies"`
}

type providersFile struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// Load reads .env (if present), the process environment and the providers
// file named by PROVIDERS_CONFIG.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        os.Getenv("DB_PASSWORD"),
			Name:            getEnv("DB_NAME", "payments"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:  os.Getenv("REDIS_ADDRESS"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
			LockTTL:  getDuration("REDIS_LOCK_TTL", 30*time.Second),
		},
		PubSub: PubSubConfig{
			ProjectID:       firstNonEmpty(os.Getenv("PUBSUB_PROJECT_ID"), os.Getenv("GOOGLE_CLOUD_PROJECT")),
			Topic:           os.Getenv("PUBSUB_TOPIC"),
			CredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),
		},
		Payments: PaymentsConfig{
			SupportedCurrencies: splitList(getEnv("SUPPORTED_CURRENCIES", "GHS,NGN,KES,USD")),
			DefaultPhoneRegion:  getEnv("DEFAULT_PHONE_REGION", "GH"),
			RefundRoles:         splitList(getEnv("REFUND_ROLES", "admin,finance")),
			ProviderTimeout:     getDuration("PROVIDER_TIMEOUT", 15*time.Second),
		},
		Reconciliation: ReconciliationConfig{
			Workers:             getInt("RECON_WORKERS", 2),
			QueueSize:           getInt("RECON_QUEUE_SIZE", 16),
			ProviderConcurrency: getInt("RECON_PROVIDER_CONCURRENCY", 3),
			Interval:            getDuration("RECON_INTERVAL", 0),
			Lookback:            getDuration("RECON_LOOKBACK", 24*time.Hour),
			StaleAfter:          getDuration("RECON_STALE_AFTER", 10*time.Minute),
			AutoFix:             getBool("RECON_AUTOFIX", false),
		},
		ProvidersFile: getEnv("PROVIDERS_CONFIG", "providers.yaml"),
	}

	providers, err := LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}
	cfg.Providers = providers
	return cfg, nil
}

// LoadProviders parses the providers YAML file. Values of the form ${VAR}
// are expanded from the environment so secrets stay out of the file.
func LoadProviders(path string) (map[string]ProviderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers config %s: %w", path, err)
	}
	return ParseProviders(raw)
}

func ParseProviders(raw []byte) (map[string]ProviderConfig, error) {
	var file providersFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &file); err != nil {
		return nil, fmt.Errorf("parse providers config: %w", err)
	}
	out := make(map[string]ProviderConfig, len(file.Providers))
	for id, p := range file.Providers {
		if p.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required", id)
		}
		if p.Timeout <= 0 {
			p.Timeout = 15 * time.Second
		}
		if p.PageSize <= 0 {
			p.PageSize = 50
		}
		for i, c := range p.Currencies {
			p.Currencies[i] = strings.ToUpper(strings.TrimSpace(c))
		}
		out[strings.ToLower(id)] = p
	}
	return out, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
