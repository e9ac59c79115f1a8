package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	API      APIConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	EnablePprof bool
	PprofPort   int
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// EngineConfig holds the execution engine knobs. Every field has a
// documented default and maps 1:1 to an environment variable.
type EngineConfig struct {
	// DefaultNodeTimeout bounds node execution when neither config
	// nor the node definition override it.
	DefaultNodeTimeout time.Duration

	// ScriptPoolSize is the number of pre-created sandbox instances.
	// Zero means runtime.GOMAXPROCS(0).
	ScriptPoolSize int

	// ScriptPoolHardCap bounds lazy pool growth. Zero means 4x pool size.
	ScriptPoolHardCap int

	// ScriptTimeout bounds a single sandbox invocation unless the
	// node overrides it.
	ScriptTimeout time.Duration

	// ScriptMaxStatements caps interpreter work per invocation.
	// Zero disables the cap.
	ScriptMaxStatements int

	// InlineThreshold is the serialized-output size (bytes) above
	// which checkpoint payloads are externalized to the CAS.
	InlineThreshold int

	// Retry defaults applied when a node declares no policy.
	RetryMaxAttempts   int
	RetryBackoff       time.Duration
	RetryBackoffFactor float64

	// WaitTimeout is the default suspension deadline for wait nodes.
	WaitTimeout time.Duration

	// WaitSweepInterval is how often the sweeper scans for expired
	// suspensions.
	WaitSweepInterval time.Duration

	// MaxParallelNodes bounds concurrently running nodes per process.
	// Zero means unbounded.
	MaxParallelNodes int

	// HTTPAllowPrivate permits http nodes to target loopback and
	// private-network addresses. Off outside development.
	HTTPAllowPrivate bool
}

// APIConfig holds HTTP surface settings
type APIConfig struct {
	// TenantHeader is the request header carrying the tenant identifier.
	TenantHeader string

	// GlobalRateLimit is the service-wide request budget per minute.
	GlobalRateLimit int

	// TenantRateLimit is the per-tenant budget per minute for workflow
	// catalog operations. Execution submissions use tiered limits instead.
	TenantRateLimit int

	// WebhookRateLimit is the per-tenant webhook trigger budget per minute.
	WebhookRateLimit int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flume"),
			User:        getEnv("POSTGRES_USER", "flume"),
			Password:    getEnv("POSTGRES_PASSWORD", "flume"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			DefaultNodeTimeout:  getEnvDurationMS("DEFAULT_NODE_TIMEOUT_MS", 30*time.Second),
			ScriptPoolSize:      getEnvInt("SCRIPT_POOL_SIZE", 0),
			ScriptPoolHardCap:   getEnvInt("SCRIPT_POOL_HARD_CAP", 0),
			ScriptTimeout:       getEnvDurationMS("SCRIPT_TIMEOUT_MS", 5*time.Second),
			ScriptMaxStatements: getEnvInt("SCRIPT_MAX_STATEMENTS", 0),
			InlineThreshold:     getEnvInt("CHECKPOINT_INLINE_THRESHOLD", 2*1024*1024),
			RetryMaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			RetryBackoff:        getEnvDurationMS("RETRY_BACKOFF_MS", time.Second),
			RetryBackoffFactor:  getEnvFloat("RETRY_BACKOFF_FACTOR", 2.0),
			WaitTimeout:         getEnvDurationMS("WAIT_TIMEOUT_MS", time.Hour),
			WaitSweepInterval:   getEnvDurationMS("WAIT_SWEEP_INTERVAL_MS", 30*time.Second),
			MaxParallelNodes:    getEnvInt("MAX_PARALLEL_NODES", 0),
			HTTPAllowPrivate:    getEnvBool("HTTP_ALLOW_PRIVATE", false),
		},
		API: APIConfig{
			TenantHeader:     getEnv("TENANT_HEADER", "X-Tenant-ID"),
			GlobalRateLimit:  getEnvInt("GLOBAL_RATE_LIMIT", 600),
			TenantRateLimit:  getEnvInt("TENANT_RATE_LIMIT", 300),
			WebhookRateLimit: getEnvInt("WEBHOOK_RATE_LIMIT", 120),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Engine.InlineThreshold < 0 {
		return fmt.Errorf("checkpoint inline threshold must be >= 0")
	}

	if c.Engine.RetryBackoffFactor < 1.0 {
		return fmt.Errorf("retry backoff factor must be >= 1.0")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port address for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvDurationMS reads a millisecond-valued integer variable.
func getEnvDurationMS(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
