// Package config provides configuration for the application
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Progress broker backends
const (
	ProgressBackendMemory = "memory"
	ProgressBackendRedis  = "redis"
)

// Config holds all configuration for the application
type Config struct {
	AppEnv          string
	Database        DatabaseConfig
	Redis           RedisConfig
	Server          ServerConfig
	Logging         LoggingConfig
	CORS            CORSConfig
	JWT             JWTConfig
	SMTP            SMTPConfig
	Uploads         UploadsConfig
	Processor       ProcessorConfig
	APIKey          string
	AnthropicAPIKey string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// RedisConfig holds Redis connection settings.
// Redis is only dialed when ProgressBackend is "redis".
type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	ProgressBackend string
}

// ServerConfig holds server settings
type ServerConfig struct {
	Port           int
	MaxRequestSize int64
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	AllowedOrigins []string
}

// JWTConfig holds JWT token configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// SMTPConfig holds SMTP server configuration. An empty Host disables completion emails.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// UploadsConfig holds upload storage settings
type UploadsConfig struct {
	Dir         string
	MaxFileSize int64
}

// ProcessorConfig holds task processor, stream and sweeper settings
type ProcessorConfig struct {
	PhaseDelays        []time.Duration
	StreamPollInterval time.Duration
	RunTimeout         time.Duration
	SweepSchedule      string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (optional)
	godotenv.Load()

	cfg := &Config{}

	cfg.AppEnv = os.Getenv("APP_ENV")
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}

	// Database configuration
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		return nil, fmt.Errorf("DB_HOST is required")
	}
	cfg.Database.Host = dbHost

	dbPortStr := os.Getenv("DB_PORT")
	if dbPortStr == "" {
		return nil, fmt.Errorf("DB_PORT is required")
	}
	dbPort, err := strconv.Atoi(dbPortStr)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Database.Port = dbPort

	dbUser := os.Getenv("DB_USER")
	if dbUser == "" {
		return nil, fmt.Errorf("DB_USER is required")
	}
	cfg.Database.User = dbUser

	cfg.Database.Password = os.Getenv("DB_PASSWORD")

	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		return nil, fmt.Errorf("DB_NAME is required")
	}
	cfg.Database.DBName = dbName

	// Server configuration
	if cfg.Server.Port, err = intEnv("SERVER_PORT", 8000); err != nil {
		return nil, err
	}
	maxRequestSize, err := intEnv("MAX_REQUEST_SIZE", 50*1024*1024)
	if err != nil {
		return nil, err
	}
	cfg.Server.MaxRequestSize = int64(maxRequestSize)

	// Logging configuration
	cfg.Logging.Level = os.Getenv("LOG_LEVEL")
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	// CORS configuration
	cfg.CORS.AllowedOrigins = parseOrigins(os.Getenv("CORS_ALLOWED_ORIGINS"))

	// JWT configuration
	cfg.JWT.Secret = os.Getenv("JWT_SECRET")
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.JWT.AccessTokenExpiry, err = durationEnv("JWT_ACCESS_TOKEN_EXPIRY", 168*time.Hour); err != nil {
		return nil, err
	}

	// API key protects the service-to-service login endpoint
	cfg.APIKey = os.Getenv("API_KEY")
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API_KEY is required")
	}

	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")

	// Redis configuration
	cfg.Redis.ProgressBackend = strings.ToLower(os.Getenv("PROGRESS_BACKEND"))
	switch cfg.Redis.ProgressBackend {
	case "":
		cfg.Redis.ProgressBackend = ProgressBackendMemory
	case ProgressBackendMemory, ProgressBackendRedis:
	default:
		return nil, fmt.Errorf("invalid PROGRESS_BACKEND: %s", cfg.Redis.ProgressBackend)
	}

	cfg.Redis.Host = os.Getenv("REDIS_HOST")
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port, err = intEnv("REDIS_PORT", 6379); err != nil {
		return nil, err
	}
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if cfg.Redis.DB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}

	// SMTP configuration (optional)
	cfg.SMTP.Host = os.Getenv("SMTP_HOST")
	if cfg.SMTP.Port, err = intEnv("SMTP_PORT", 587); err != nil {
		return nil, err
	}
	cfg.SMTP.Username = os.Getenv("SMTP_USERNAME")
	cfg.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	cfg.SMTP.From = os.Getenv("SMTP_FROM")
	if cfg.SMTP.From == "" {
		cfg.SMTP.From = "noreply@joeyagent.dev"
	}

	// Uploads configuration
	cfg.Uploads.Dir = os.Getenv("UPLOAD_DIR")
	if cfg.Uploads.Dir == "" {
		cfg.Uploads.Dir = "uploads"
	}
	maxFileSize, err := intEnv("UPLOAD_MAX_FILE_SIZE", 10*1024*1024)
	if err != nil {
		return nil, err
	}
	cfg.Uploads.MaxFileSize = int64(maxFileSize)

	// Processor configuration
	if cfg.Processor.PhaseDelays, err = parseDurations(os.Getenv("PROCESSOR_PHASE_DELAYS")); err != nil {
		return nil, fmt.Errorf("invalid PROCESSOR_PHASE_DELAYS: %w", err)
	}
	if cfg.Processor.StreamPollInterval, err = durationEnv("STREAM_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.Processor.RunTimeout, err = durationEnv("RUN_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	cfg.Processor.SweepSchedule = os.Getenv("SWEEP_SCHEDULE")
	if cfg.Processor.SweepSchedule == "" {
		cfg.Processor.SweepSchedule = "@every 1m"
	}

	return cfg, nil
}

// DSN returns the database connection string
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&clientFoundRows=true&charset=utf8mb4",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.DBName,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// IsDevelopment reports whether the application runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// parseOrigins splits a comma-separated origin list, falling back to the local frontend ports
func parseOrigins(raw string) []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(raw, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"http://localhost:3000", "http://localhost:3001"}
	}
	return origins
}

// parseDurations parses a comma-separated list of durations. Empty input yields nil,
// which lets the processor use its default phase delays.
func parseDurations(raw string) ([]time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", part)
		}
		delays = append(delays, d)
	}
	return delays, nil
}
