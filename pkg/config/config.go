package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Stripe    StripeConfig
	Matching  MatchingConfig
	RateLimit RateLimitConfig
	EventBus  EventBusConfig
	Security  SecurityConfig
	SentryDSN string
	AppURL    string
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port           string
	Environment    string
	ServiceName    string
	ReadTimeout    int
	WriteTimeout   int
	RequestTimeout int
	CORSOrigins    string // Comma-separated list of allowed origins
	MigrateOnStart bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessExpiryMins  int
	RefreshExpiryDays int
}

// StripeConfig holds payment provider configuration. Both keys are optional;
// payment endpoints degrade to 503 when they are missing.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

// Configured returns true when payment intents can be created.
func (c StripeConfig) Configured() bool {
	return c.SecretKey != ""
}

// MatchingConfig holds the matcher defaults applied when a tenant has no
// stored configuration row.
type MatchingConfig struct {
	SearchRadiusKm    float64
	MaxDetourMins     int
	MaxCandidates     int
	AvgSpeedKmH       float64
	WeightDetour      float64
	WeightPickup      float64
	WeightTime        float64
	WeightRating      float64
	WeightOrg         float64
	WeightCarbon      float64
	ConfigCacheTTL    time.Duration
	BatchPageSize     int
	PoolMaxRidersPerDriver int
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled       bool
	WindowSeconds int
	AuthLimit     int
	RedisPrefix   string
}

// Window returns the configured rate limit window duration
func (c RateLimitConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// EventBusConfig selects the bus implementation.
type EventBusConfig struct {
	Driver      string // "memory" or "nats"
	NATSAddr    string
	QueueDepth  int
}

// SecurityConfig holds key material for PII encryption.
type SecurityConfig struct {
	EncryptionKey string // 32-byte key, hex or raw
	LookupHashKey string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Environment:    getEnv("ENVIRONMENT", "development"),
			ServiceName:    serviceName,
			ReadTimeout:    getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout:   getEnvAsInt("WRITE_TIMEOUT", 10),
			RequestTimeout: getEnvAsInt("REQUEST_TIMEOUT", 30),
			CORSOrigins:    getEnv("CORS_ORIGINS", "http://localhost:3000"),
			MigrateOnStart: getEnvAsBool("MIGRATE_ON_START", false),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "carpool"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessExpiryMins:  getEnvAsInt("JWT_ACCESS_EXPIRY_MINS", 15),
			RefreshExpiryDays: getEnvAsInt("JWT_REFRESH_EXPIRY_DAYS", 30),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Currency:      getEnv("STRIPE_CURRENCY", "zar"),
		},
		Matching: MatchingConfig{
			SearchRadiusKm:         getEnvAsFloat("MATCH_SEARCH_RADIUS_KM", 5),
			MaxDetourMins:          getEnvAsInt("MATCH_MAX_DETOUR_MINS", 15),
			MaxCandidates:          getEnvAsInt("MATCH_MAX_CANDIDATES", 200),
			AvgSpeedKmH:            getEnvAsFloat("MATCH_AVG_SPEED_KMH", 30),
			WeightDetour:           getEnvAsFloat("MATCH_WEIGHT_DETOUR", 0.30),
			WeightPickup:           getEnvAsFloat("MATCH_WEIGHT_PICKUP", 0.25),
			WeightTime:             getEnvAsFloat("MATCH_WEIGHT_TIME", 0.20),
			WeightRating:           getEnvAsFloat("MATCH_WEIGHT_RATING", 0.15),
			WeightOrg:              getEnvAsFloat("MATCH_WEIGHT_ORG", 0.05),
			WeightCarbon:           getEnvAsFloat("MATCH_WEIGHT_CARBON", 0.05),
			ConfigCacheTTL:         time.Duration(getEnvAsInt("MATCH_CONFIG_CACHE_SECONDS", 60)) * time.Second,
			BatchPageSize:          getEnvAsInt("MATCH_BATCH_PAGE_SIZE", 100),
			PoolMaxRidersPerDriver: getEnvAsInt("MATCH_POOL_MAX_RIDERS", 4),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvAsBool("RATE_LIMIT_ENABLED", true),
			WindowSeconds: getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			AuthLimit:     getEnvAsInt("RATE_LIMIT_AUTH_LIMIT", 20),
			RedisPrefix:   getEnv("RATE_LIMIT_REDIS_PREFIX", "rate-limit"),
		},
		EventBus: EventBusConfig{
			Driver:     getEnv("EVENT_BUS", "memory"),
			NATSAddr:   getEnv("NATS_URL", "nats://localhost:4222"),
			QueueDepth: getEnvAsInt("EVENT_BUS_QUEUE_DEPTH", 64),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
			LookupHashKey: getEnv("LOOKUP_HASH_KEY", ""),
		},
		SentryDSN: getEnv("SENTRY_DSN", ""),
		AppURL:    getEnv("APP_URL", ""),
	}

	if cfg.Security.LookupHashKey == "" {
		cfg.Security.LookupHashKey = cfg.Security.EncryptionKey
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.JWT.Secret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.Security.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if c.AppURL == "" {
		missing = append(missing, "APP_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsProduction reports whether the server runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL returns the database connection URL used by the migrations runner.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Weights returns the scoring weights keyed by factor name.
func (c MatchingConfig) Weights() map[string]float64 {
	return map[string]float64{
		"detour": c.WeightDetour,
		"pickup": c.WeightPickup,
		"time":   c.WeightTime,
		"rating": c.WeightRating,
		"org":    c.WeightOrg,
		"carbon": c.WeightCarbon,
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
