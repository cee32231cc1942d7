package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Rate limit store constants
const (
	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

// Cache type constants, shared by the metrics and catalog caches
const (
	CacheTypeMemory     = "memory"
	CacheTypeRedis      = "redis"
	CacheTypeRedisAside = "redis-aside"
)

// Credential scheme constants
const (
	CredentialSchemeHMAC   = "hmac-sha256"
	CredentialSchemeBLAKE3 = "blake3"
)

// Catalog source auth modes, passed through to go-httpclient
const (
	CatalogAuthModeNone   = "none"
	CatalogAuthModeSimple = "simple"
	CatalogAuthModeHMAC   = "hmac"
)

type Config struct {
	// Server settings
	ServerAddr     string
	BaseURL        string
	IsProduction   bool
	HubInstanceID  string
	TrustedProxies []string

	// Admin API JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// Database
	DatabaseDriver string // "sqlite", "postgres" or "mysql"
	DatabaseDSN    string

	// Identity and pairing
	CredentialScheme string // "hmac-sha256" or "blake3"
	SealingIdentity  string // age X25519 identity used to seal factory secrets
	PairingCodeTTL   time.Duration
	TransferNonceTTL time.Duration
	DeviceTokenTTL   time.Duration
	// TransferMaxAttempts bounds wrong reset codes per transfer nonce
	TransferMaxAttempts int

	// Session hub
	HeartbeatInterval        time.Duration
	HeartbeatGraceMultiplier int
	HandshakeTimeout         time.Duration
	WriteTimeout             time.Duration

	// Command queue and scheduler
	CommandDefaultTTL  time.Duration
	CommandMaxTTL      time.Duration
	CommandMaxRetries  int
	AckTimeout         time.Duration
	ProgressTimeout    time.Duration // silence after received/running before the hub asks again
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	SchedulerInterval  time.Duration
	CommandRetention   time.Duration
	RetentionInterval  time.Duration
	DispatchBatchLimit int

	// Skill catalog
	CatalogURL                string
	CatalogTimeout            time.Duration
	CatalogInsecureSkipVerify bool
	CatalogAllowInsecureHTTP  bool // accept http:// archive URLs, local testing only
	CatalogAuthMode           string
	CatalogAuthSecret         string
	CatalogAuthHeader         string
	CatalogMaxRetries         int
	CatalogRetryDelay         time.Duration
	CatalogMaxRetryDelay      time.Duration
	CatalogCacheType          string
	CatalogCacheTTL           time.Duration
	CatalogCacheSizePerConn   int
	CatalogCacheClientTTL     time.Duration

	// Rate limiting
	EnableRateLimit          bool
	RateLimitStore           string
	RateLimitCleanupInterval time.Duration
	ClaimRateLimit           int // requests per minute per IP
	TransferRateLimit        int // requests per minute per IP
	CommandRateLimit         int // requests per minute per IP

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Audit
	EnableAuditLogging bool
	AuditLogRetention  time.Duration
	AuditLogBufferSize int

	// Metrics
	MetricsEnabled             bool
	MetricsToken               string
	MetricsGaugeUpdateEnabled  bool
	MetricsGaugeUpdateInterval time.Duration
	MetricsCacheType           string
	MetricsCacheClientTTL      time.Duration
	MetricsCacheSizePerConn    int

	// Timeouts
	DBInitTimeout         time.Duration
	RedisConnTimeout      time.Duration
	CacheInitTimeout      time.Duration
	ServerShutdownTimeout time.Duration
	AuditShutdownTimeout  time.Duration
}

func Load() *Config {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	driver := getEnv("DATABASE_DRIVER", "sqlite")
	var dsn string
	if driver == "sqlite" {
		dsn = getEnv("DATABASE_DSN", getEnv("DATABASE_PATH", "fleetgate.db"))
	} else {
		dsn = getEnv("DATABASE_DSN", "")
	}

	hostname, _ := os.Hostname()

	return &Config{
		ServerAddr:     getEnv("SERVER_ADDR", ":8080"),
		BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
		IsProduction:   getEnvBool("ENVIRONMENT_PRODUCTION", false),
		HubInstanceID:  getEnv("HUB_INSTANCE_ID", hostname),
		TrustedProxies: getEnvSlice("TRUSTED_PROXIES", nil),

		JWTSecret:     getEnv("JWT_SECRET", "your-256-bit-secret-change-in-production"),
		JWTExpiration: getEnvDuration("JWT_EXPIRATION", time.Hour),

		DatabaseDriver: driver,
		DatabaseDSN:    dsn,

		CredentialScheme: getEnv("CREDENTIAL_SCHEME", CredentialSchemeHMAC),
		SealingIdentity:  getEnv("SEALING_IDENTITY", ""),
		PairingCodeTTL:   getEnvDuration("PAIRING_CODE_TTL", 720*time.Hour),
		TransferNonceTTL: getEnvDuration("TRANSFER_NONCE_TTL", 10*time.Minute),
		DeviceTokenTTL:   getEnvDuration("DEVICE_TOKEN_TTL", 8760*time.Hour),

		TransferMaxAttempts: getEnvInt("TRANSFER_MAX_ATTEMPTS", 5),

		HeartbeatInterval:        getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatGraceMultiplier: getEnvInt("HEARTBEAT_GRACE_MULTIPLIER", 3),
		HandshakeTimeout:         getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
		WriteTimeout:             getEnvDuration("SESSION_WRITE_TIMEOUT", 10*time.Second),

		CommandDefaultTTL:  getEnvDuration("COMMAND_DEFAULT_TTL", 24*time.Hour),
		CommandMaxTTL:      getEnvDuration("COMMAND_MAX_TTL", 7*24*time.Hour),
		CommandMaxRetries:  getEnvInt("COMMAND_MAX_RETRIES", 5),
		AckTimeout:         getEnvDuration("ACK_TIMEOUT", 30*time.Second),
		ProgressTimeout:    getEnvDuration("PROGRESS_TIMEOUT", 5*time.Minute),
		RetryBaseDelay:     getEnvDuration("RETRY_BASE_DELAY", 5*time.Second),
		RetryMaxDelay:      getEnvDuration("RETRY_MAX_DELAY", 5*time.Minute),
		SchedulerInterval:  getEnvDuration("SCHEDULER_INTERVAL", 5*time.Second),
		CommandRetention:   getEnvDuration("COMMAND_RETENTION", 30*24*time.Hour),
		RetentionInterval:  getEnvDuration("RETENTION_INTERVAL", time.Hour),
		DispatchBatchLimit: getEnvInt("DISPATCH_BATCH_LIMIT", 50),

		CatalogURL:                getEnv("CATALOG_URL", ""),
		CatalogTimeout:            getEnvDuration("CATALOG_TIMEOUT", 10*time.Second),
		CatalogInsecureSkipVerify: getEnvBool("CATALOG_INSECURE_SKIP_VERIFY", false),
		CatalogAllowInsecureHTTP:  getEnvBool("CATALOG_ALLOW_INSECURE_HTTP", false),
		CatalogAuthMode:           getEnv("CATALOG_AUTH_MODE", CatalogAuthModeNone),
		CatalogAuthSecret:         getEnv("CATALOG_AUTH_SECRET", ""),
		CatalogAuthHeader:         getEnv("CATALOG_AUTH_HEADER", "X-API-Secret"),
		CatalogMaxRetries:         getEnvInt("CATALOG_MAX_RETRIES", 3),
		CatalogRetryDelay:         getEnvDuration("CATALOG_RETRY_DELAY", time.Second),
		CatalogMaxRetryDelay:      getEnvDuration("CATALOG_MAX_RETRY_DELAY", 10*time.Second),
		CatalogCacheType:          getEnv("CATALOG_CACHE_TYPE", CacheTypeMemory),
		CatalogCacheTTL:           getEnvDuration("CATALOG_CACHE_TTL", 5*time.Minute),
		CatalogCacheSizePerConn:   getEnvInt("CATALOG_CACHE_SIZE_PER_CONN", 8),
		CatalogCacheClientTTL:     getEnvDuration("CATALOG_CACHE_CLIENT_TTL", time.Minute),

		EnableRateLimit:          getEnvBool("ENABLE_RATE_LIMIT", true),
		RateLimitStore:           getEnv("RATE_LIMIT_STORE", RateLimitStoreMemory),
		RateLimitCleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		ClaimRateLimit:           getEnvInt("CLAIM_RATE_LIMIT", 5),
		TransferRateLimit:        getEnvInt("TRANSFER_RATE_LIMIT", 5),
		CommandRateLimit:         getEnvInt("COMMAND_RATE_LIMIT", 60),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		EnableAuditLogging: getEnvBool("ENABLE_AUDIT_LOGGING", true),
		AuditLogRetention:  getEnvDuration("AUDIT_LOG_RETENTION", 90*24*time.Hour),
		AuditLogBufferSize: getEnvInt("AUDIT_LOG_BUFFER_SIZE", 1000),

		MetricsEnabled:             getEnvBool("METRICS_ENABLED", false),
		MetricsToken:               getEnv("METRICS_TOKEN", ""),
		MetricsGaugeUpdateEnabled:  getEnvBool("METRICS_GAUGE_UPDATE_ENABLED", true),
		MetricsGaugeUpdateInterval: getEnvDuration("METRICS_GAUGE_UPDATE_INTERVAL", 5*time.Minute),
		MetricsCacheType:           getEnv("METRICS_CACHE_TYPE", CacheTypeMemory),
		MetricsCacheClientTTL:      getEnvDuration("METRICS_CACHE_CLIENT_TTL", 10*time.Second),
		MetricsCacheSizePerConn:    getEnvInt("METRICS_CACHE_SIZE_PER_CONN", 32),

		DBInitTimeout:         getEnvDuration("DB_INIT_TIMEOUT", 30*time.Second),
		RedisConnTimeout:      getEnvDuration("REDIS_CONN_TIMEOUT", 5*time.Second),
		CacheInitTimeout:      getEnvDuration("CACHE_INIT_TIMEOUT", 5*time.Second),
		ServerShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 5*time.Second),
		AuditShutdownTimeout:  getEnvDuration("AUDIT_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// HeartbeatGrace is the silence window after which a session is retired.
func (c *Config) HeartbeatGrace() time.Duration {
	multiplier := c.HeartbeatGraceMultiplier
	if multiplier <= 0 {
		multiplier = 3
	}
	return c.HeartbeatInterval * time.Duration(multiplier)
}

// Validate checks enumerated settings and cross-field requirements.
func (c *Config) Validate() error {
	if c.RateLimitStore != RateLimitStoreMemory && c.RateLimitStore != RateLimitStoreRedis {
		return fmt.Errorf(
			"invalid RATE_LIMIT_STORE value: %q (must be %q or %q)",
			c.RateLimitStore, RateLimitStoreMemory, RateLimitStoreRedis,
		)
	}

	if err := validateCacheType("METRICS_CACHE_TYPE", c.MetricsCacheType, c.RedisAddr); err != nil {
		return err
	}
	if err := validateCacheType("CATALOG_CACHE_TYPE", c.CatalogCacheType, c.RedisAddr); err != nil {
		return err
	}

	switch c.CredentialScheme {
	case CredentialSchemeHMAC, CredentialSchemeBLAKE3:
	default:
		return fmt.Errorf(
			"invalid CREDENTIAL_SCHEME value: %q (must be %q or %q)",
			c.CredentialScheme, CredentialSchemeHMAC, CredentialSchemeBLAKE3,
		)
	}

	switch c.CatalogAuthMode {
	case CatalogAuthModeNone, CatalogAuthModeSimple, CatalogAuthModeHMAC:
	default:
		return fmt.Errorf("invalid CATALOG_AUTH_MODE value: %q", c.CatalogAuthMode)
	}

	if c.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if c.AckTimeout <= 0 {
		return errors.New("ACK_TIMEOUT must be positive")
	}
	if c.ProgressTimeout < 0 {
		return errors.New("PROGRESS_TIMEOUT must not be negative")
	}
	if c.SchedulerInterval <= 0 {
		return errors.New("SCHEDULER_INTERVAL must be positive")
	}
	if c.CommandMaxRetries < 0 {
		return errors.New("COMMAND_MAX_RETRIES must not be negative")
	}
	if c.CommandDefaultTTL <= 0 {
		return errors.New("COMMAND_DEFAULT_TTL must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf(
			"RETRY_MAX_DELAY (%v) must not be smaller than RETRY_BASE_DELAY (%v)",
			c.RetryMaxDelay, c.RetryBaseDelay,
		)
	}

	if c.IsProduction && c.SealingIdentity == "" {
		return errors.New("SEALING_IDENTITY is required in production")
	}

	return nil
}

func validateCacheType(key, value, redisAddr string) error {
	switch value {
	case CacheTypeMemory:
		return nil
	case CacheTypeRedis, CacheTypeRedisAside:
		if redisAddr == "" {
			return fmt.Errorf("%s=%q requires REDIS_ADDR to be set", key, value)
		}
		return nil
	default:
		return fmt.Errorf(
			"invalid %s value: %q (must be %q, %q or %q)",
			key, value, CacheTypeMemory, CacheTypeRedis, CacheTypeRedisAside,
		)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvSlice splits a comma separated value, dropping empty parts.
func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var parts []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}
