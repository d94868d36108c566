package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAreValid(t *testing.T) {
	t.Setenv("SDT_MQTT_HOST", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultMQTTPort, cfg.MQTT.Port)
	assert.Equal(t, DefaultDBPort, cfg.Database.Port)
	assert.Equal(t, DefaultHTTPPort, cfg.Service.HTTPPort)
}

func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("SDT_MQTT_HOST", "broker.internal")
	t.Setenv("SDT_DATABASE_DATABASE", "custom_db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "broker.internal", cfg.MQTT.Host)
	assert.Equal(t, "custom_db", cfg.Database.Database)
}

func TestConfig_ValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{
		MQTT:     MQTTConfig{Host: "h", Port: 70000, ConnectionTimeout: time.Second},
		Database: DBConfig{Host: "h", Port: 5432, Database: "d", MaxConnections: 1},
		Service:  ServiceConfig{HTTPPort: 8080, ShutdownTimeout: time.Second},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MQTT port")
}

func TestConfig_ValidateAggregatesAllProblems(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MQTT host is empty")
	assert.Contains(t, err.Error(), "database host is empty")
	assert.Contains(t, err.Error(), "service http port")
}
