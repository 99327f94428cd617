package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_PORT", "3306")
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_NAME", "joey")
	t.Setenv("JWT_SECRET", "jwt-secret")
	t.Setenv("API_KEY", "api-key")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, int64(50*1024*1024), cfg.Server.MaxRequestSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:3001"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 168*time.Hour, cfg.JWT.AccessTokenExpiry)
	assert.Equal(t, ProgressBackendMemory, cfg.Redis.ProgressBackend)
	assert.Equal(t, "uploads", cfg.Uploads.Dir)
	assert.Equal(t, int64(10*1024*1024), cfg.Uploads.MaxFileSize)
	assert.Nil(t, cfg.Processor.PhaseDelays)
	assert.Equal(t, time.Second, cfg.Processor.StreamPollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Processor.RunTimeout)
	assert.Equal(t, "@every 1m", cfg.Processor.SweepSchedule)
	assert.Empty(t, cfg.SMTP.Host)
	assert.Equal(t, "root:secret@tcp(localhost:3306)/joey?parseTime=true&loc=UTC&clientFoundRows=true&charset=utf8mb4", cfg.DSN())
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("PROGRESS_BACKEND", "Redis")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("PROCESSOR_PHASE_DELAYS", "10ms, 20ms,30ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, ProgressBackendRedis, cfg.Redis.ProgressBackend)
	assert.Equal(t, "cache:6380", cfg.RedisAddr())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, cfg.Processor.PhaseDelays)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "missing DB_HOST", key: "DB_HOST", val: ""},
		{name: "invalid DB_PORT", key: "DB_PORT", val: "abc"},
		{name: "missing JWT_SECRET", key: "JWT_SECRET", val: ""},
		{name: "missing API_KEY", key: "API_KEY", val: ""},
		{name: "invalid expiry", key: "JWT_ACCESS_TOKEN_EXPIRY", val: "soon"},
		{name: "invalid backend", key: "PROGRESS_BACKEND", val: "kafka"},
		{name: "invalid phase delays", key: "PROCESSOR_PHASE_DELAYS", val: "1s,x"},
		{name: "negative phase delay", key: "PROCESSOR_PHASE_DELAYS", val: "-1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.val)

			cfg, err := Load()
			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}
