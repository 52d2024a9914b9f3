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
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Policy   SecurityPolicy
	Redis    RedisConfig
	Kafka    KafkaConfig
	Email    EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	// QueryTimeout bounds every service operation's storage work
	QueryTimeout time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	CookieSecure   bool
}

type AuthConfig struct {
	JWTSecret               string
	CleanupInterval         time.Duration
	RetentionPeriod         time.Duration
	TimingDelayBaseMs       int
	TimingDelayRandomMs     int
	LoginRateLimitPerMinute int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	// Brokers is empty when the security event stream is disabled
	Brokers []string
	Topic   string
}

type EmailConfig struct {
	Enabled     bool
	AWSRegion   string
	FromAddress string
}

// SecurityPolicy holds the tunable authentication limits. Defaults are
// overlaid by an optional YAML file (SECURITY_POLICY_FILE) and then by
// individual environment variables.
type SecurityPolicy struct {
	AttemptsLimit              int `yaml:"attemptsLimit"`
	LockoutWindowMinutes       int `yaml:"lockoutWindowMinutes"`
	SessionLifetimeMinutes     int `yaml:"sessionLifetimeMinutes"`
	AccessTokenTTLSeconds      int `yaml:"accessTokenTtlSeconds"`
	RefreshTokenTTLSeconds     int `yaml:"refreshTokenTtlSeconds"`
	MaxRefreshTokensPerAccount int `yaml:"maxRefreshTokensPerAccount"`
	OriginBlockThreshold       int `yaml:"originBlockThreshold"`
	OriginWindowMinutes        int `yaml:"originWindowMinutes"`
	OriginBlockMinutes         int `yaml:"originBlockMinutes"`
	FormTokenTTLSeconds        int `yaml:"formTokenTtlSeconds"`
}

// DefaultSecurityPolicy returns the built-in limits
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		AttemptsLimit:              5,
		LockoutWindowMinutes:       30,
		SessionLifetimeMinutes:     120,
		AccessTokenTTLSeconds:      900,
		RefreshTokenTTLSeconds:     604800,
		MaxRefreshTokensPerAccount: 5,
		OriginBlockThreshold:       10,
		OriginWindowMinutes:        15,
		OriginBlockMinutes:         15,
		FormTokenTTLSeconds:        3600,
	}
}

func (p SecurityPolicy) LockoutWindow() time.Duration {
	return time.Duration(p.LockoutWindowMinutes) * time.Minute
}

func (p SecurityPolicy) SessionLifetime() time.Duration {
	return time.Duration(p.SessionLifetimeMinutes) * time.Minute
}

func (p SecurityPolicy) AccessTokenTTL() time.Duration {
	return time.Duration(p.AccessTokenTTLSeconds) * time.Second
}

func (p SecurityPolicy) RefreshTokenTTL() time.Duration {
	return time.Duration(p.RefreshTokenTTLSeconds) * time.Second
}

func (p SecurityPolicy) OriginWindow() time.Duration {
	return time.Duration(p.OriginWindowMinutes) * time.Minute
}

func (p SecurityPolicy) OriginBlockDuration() time.Duration {
	return time.Duration(p.OriginBlockMinutes) * time.Minute
}

func (p SecurityPolicy) FormTokenTTL() time.Duration {
	return time.Duration(p.FormTokenTTLSeconds) * time.Second
}

// Validate rejects non-positive limits and an access lifetime that outlives
// the refresh lifetime
func (p SecurityPolicy) Validate() error {
	fields := []struct {
		name  string
		value int
	}{
		{"attemptsLimit", p.AttemptsLimit},
		{"lockoutWindowMinutes", p.LockoutWindowMinutes},
		{"sessionLifetimeMinutes", p.SessionLifetimeMinutes},
		{"accessTokenTtlSeconds", p.AccessTokenTTLSeconds},
		{"refreshTokenTtlSeconds", p.RefreshTokenTTLSeconds},
		{"maxRefreshTokensPerAccount", p.MaxRefreshTokensPerAccount},
		{"originBlockThreshold", p.OriginBlockThreshold},
		{"originWindowMinutes", p.OriginWindowMinutes},
		{"originBlockMinutes", p.OriginBlockMinutes},
		{"formTokenTtlSeconds", p.FormTokenTTLSeconds},
	}
	for _, f := range fields {
		if f.value <= 0 {
			return fmt.Errorf("security policy: %s must be positive (got %d)", f.name, f.value)
		}
	}
	if p.AccessTokenTTLSeconds > p.RefreshTokenTTLSeconds {
		return fmt.Errorf("security policy: accessTokenTtlSeconds must not exceed refreshTokenTtlSeconds")
	}
	return nil
}

// LoadSecurityPolicy overlays the YAML file at path onto policy. Keys absent
// from the file keep their current values.
func LoadSecurityPolicy(path string, policy *SecurityPolicy) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading security policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return fmt.Errorf("parsing security policy file: %w", err)
	}
	return nil
}

func applyPolicyEnvOverrides(p *SecurityPolicy) {
	p.AttemptsLimit = getEnvAsInt("ATTEMPTS_LIMIT", p.AttemptsLimit)
	p.LockoutWindowMinutes = getEnvAsInt("LOCKOUT_WINDOW_MINUTES", p.LockoutWindowMinutes)
	p.SessionLifetimeMinutes = getEnvAsInt("SESSION_LIFETIME_MINUTES", p.SessionLifetimeMinutes)
	p.AccessTokenTTLSeconds = getEnvAsInt("ACCESS_TOKEN_TTL_SECONDS", p.AccessTokenTTLSeconds)
	p.RefreshTokenTTLSeconds = getEnvAsInt("REFRESH_TOKEN_TTL_SECONDS", p.RefreshTokenTTLSeconds)
	p.MaxRefreshTokensPerAccount = getEnvAsInt("MAX_REFRESH_TOKENS_PER_ACCOUNT", p.MaxRefreshTokensPerAccount)
	p.OriginBlockThreshold = getEnvAsInt("ORIGIN_BLOCK_THRESHOLD", p.OriginBlockThreshold)
	p.OriginWindowMinutes = getEnvAsInt("ORIGIN_WINDOW_MINUTES", p.OriginWindowMinutes)
	p.OriginBlockMinutes = getEnvAsInt("ORIGIN_BLOCK_MINUTES", p.OriginBlockMinutes)
	p.FormTokenTTLSeconds = getEnvAsInt("FORM_TOKEN_TTL_SECONDS", p.FormTokenTTLSeconds)
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	policy := DefaultSecurityPolicy()
	if path := getEnv("SECURITY_POLICY_FILE", ""); path != "" {
		if err := LoadSecurityPolicy(path, &policy); err != nil {
			return nil, err
		}
	}
	applyPolicyEnvOverrides(&policy)
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "warden"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			QueryTimeout:      getEnvAsDuration("DB_QUERY_TIMEOUT", 3*time.Second),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CookieSecure:   getEnvAsBool("COOKIE_SECURE", env == "production"),
		},
		Auth: AuthConfig{
			JWTSecret:               jwtSecret,
			CleanupInterval:         getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			RetentionPeriod:         getEnvAsDuration("AUDIT_RETENTION", 90*24*time.Hour),
			TimingDelayBaseMs:       getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			TimingDelayRandomMs:     getEnvAsInt("TIMING_DELAY_RANDOM_MS", 50),
			LoginRateLimitPerMinute: getEnvAsInt("LOGIN_RATE_LIMIT_PER_MINUTE", 20),
		},
		Policy: policy,
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_SECURITY_TOPIC", "warden.security-events"),
		},
		Email: EmailConfig{
			Enabled:     getEnvAsBool("EMAIL_ENABLED", false),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Email.Enabled && cfg.Email.FromAddress == "" {
		return nil, fmt.Errorf("EMAIL_FROM_ADDRESS is required when EMAIL_ENABLED is set")
	}

	// Validate JWT secret strength
	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32 // 256 bits for HS256
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}
	if strings.Count(secretLower, secretLower[:1]) == len(secretLower) {
		return fmt.Errorf("JWT_SECRET cannot be a single repeated character")
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsList splits a comma separated variable, dropping empty entries
func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		return getEnvAsList("ALLOWED_ORIGINS")
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
