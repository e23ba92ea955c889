package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnvVars clears all taskfabric-related environment variables.
func clearEnvVars() {
	envVars := []string{
		"APP_ENV", "LOG_LEVEL", "APP_PORT",
		"DATABASE_URL",
		"BROKER_DRIVER", "DAPR_HTTP_PORT", "PUBSUB_NAME", "RABBITMQ_URL",
		"REDIS_URL",
		"TASK_API_APP_ID", "TASK_API_TOKEN",
		"REMINDER_FIRE_INTERVAL", "REMINDER_SNAPSHOT_INTERVAL",
		"AUDIT_FLUSH_INTERVAL", "AUDIT_FLUSH_SIZE",
		"GENERATOR_INTERVAL", "GENERATOR_DRY_RUN",
		"HEARTBEAT_INTERVAL", "EVICTION_INTERVAL", "STALE_AFTER",
		"SHUTDOWN_TIMEOUT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 0, cfg.AppPort)

	assert.Equal(t, "dapr", cfg.BrokerDriver)
	assert.Equal(t, 3500, cfg.DaprHTTPPort)
	assert.Equal(t, "taskflow-pubsub", cfg.PubsubName)

	assert.Equal(t, "", cfg.RedisURL)
	assert.Equal(t, "chat-api", cfg.TaskAPIAppID)

	assert.Equal(t, 10*time.Second, cfg.ReminderFireInterval)
	assert.Equal(t, 5*time.Minute, cfg.ReminderSnapshotInterval)
	assert.Equal(t, time.Second, cfg.AuditFlushInterval)
	assert.Equal(t, 100, cfg.AuditFlushSize)
	assert.Equal(t, 5*time.Minute, cfg.GeneratorInterval)
	assert.False(t, cfg.GeneratorDryRun)

	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.EvictionInterval)
	assert.Equal(t, 90*time.Second, cfg.StaleAfter)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_WithCustomEnvVars(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	os.Setenv("APP_ENV", "production")
	os.Setenv("APP_PORT", "9000")
	os.Setenv("BROKER_DRIVER", "rabbitmq")
	os.Setenv("REMINDER_FIRE_INTERVAL", "2s")
	os.Setenv("AUDIT_FLUSH_SIZE", "50")
	os.Setenv("GENERATOR_DRY_RUN", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.AppEnv)
	assert.Equal(t, 9000, cfg.AppPort)
	assert.Equal(t, "rabbitmq", cfg.BrokerDriver)
	assert.Equal(t, 2*time.Second, cfg.ReminderFireInterval)
	assert.Equal(t, 50, cfg.AuditFlushSize)
	assert.True(t, cfg.GeneratorDryRun)
}

func TestLoad_InvalidBrokerDriver(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	os.Setenv("BROKER_DRIVER", "kafka")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKER_DRIVER")
}

func TestConfig_Port(t *testing.T) {
	cfg := &Config{AppPort: 0}
	assert.Equal(t, 8004, cfg.Port(8004))

	cfg = &Config{AppPort: 9100}
	assert.Equal(t, 9100, cfg.Port(8004))
}

func TestConfig_ListenAddr(t *testing.T) {
	cfg := &Config{AppPort: 0}
	assert.Equal(t, "0.0.0.0:8002", cfg.ListenAddr(8002))
}

func TestConfig_DaprBaseURL(t *testing.T) {
	cfg := &Config{DaprHTTPPort: 3500}
	assert.Equal(t, "http://localhost:3500", cfg.DaprBaseURL())
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		appEnv   string
		expected bool
	}{
		{"development", true},
		{"production", false},
		{"staging", false},
		{"test", false},
	}

	for _, tt := range tests {
		t.Run(tt.appEnv, func(t *testing.T) {
			cfg := &Config{AppEnv: tt.appEnv}
			assert.Equal(t, tt.expected, cfg.IsDevelopment())
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		appEnv   string
		expected bool
	}{
		{"development", false},
		{"production", true},
		{"staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.appEnv, func(t *testing.T) {
			cfg := &Config{AppEnv: tt.appEnv}
			assert.Equal(t, tt.expected, cfg.IsProduction())
		})
	}
}

func TestGetEnv(t *testing.T) {
	value := getEnv("NON_EXISTENT_VAR", "default")
	assert.Equal(t, "default", value)

	os.Setenv("TEST_VAR", "custom")
	defer os.Unsetenv("TEST_VAR")
	value = getEnv("TEST_VAR", "default")
	assert.Equal(t, "custom", value)

	os.Setenv("TEST_EMPTY", "")
	defer os.Unsetenv("TEST_EMPTY")
	value = getEnv("TEST_EMPTY", "default")
	assert.Equal(t, "default", value)
}

func TestGetIntEnv(t *testing.T) {
	value := getIntEnv("NON_EXISTENT_INT", 42)
	assert.Equal(t, 42, value)

	os.Setenv("TEST_INT", "100")
	defer os.Unsetenv("TEST_INT")
	value = getIntEnv("TEST_INT", 42)
	assert.Equal(t, 100, value)

	os.Setenv("TEST_INVALID_INT", "not-a-number")
	defer os.Unsetenv("TEST_INVALID_INT")
	value = getIntEnv("TEST_INVALID_INT", 42)
	assert.Equal(t, 42, value)
}

func TestGetDurationEnv(t *testing.T) {
	value := getDurationEnv("NON_EXISTENT_DUR", 5*time.Second)
	assert.Equal(t, 5*time.Second, value)

	os.Setenv("TEST_DUR", "10m")
	defer os.Unsetenv("TEST_DUR")
	value = getDurationEnv("TEST_DUR", 5*time.Second)
	assert.Equal(t, 10*time.Minute, value)

	os.Setenv("TEST_INVALID_DUR", "not-a-duration")
	defer os.Unsetenv("TEST_INVALID_DUR")
	value = getDurationEnv("TEST_INVALID_DUR", 5*time.Second)
	assert.Equal(t, 5*time.Second, value)
}

func TestGetBoolEnv(t *testing.T) {
	value := getBoolEnv("NON_EXISTENT_BOOL", true)
	assert.True(t, value)

	trueValues := []string{"true", "1", "True", "TRUE"}
	for _, tv := range trueValues {
		os.Setenv("TEST_BOOL", tv)
		value = getBoolEnv("TEST_BOOL", false)
		assert.True(t, value, "Expected true for value: %s", tv)
	}

	falseValues := []string{"false", "0", "False", "FALSE"}
	for _, fv := range falseValues {
		os.Setenv("TEST_BOOL", fv)
		value = getBoolEnv("TEST_BOOL", true)
		assert.False(t, value, "Expected false for value: %s", fv)
	}
	os.Unsetenv("TEST_BOOL")
}
