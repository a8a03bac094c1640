package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "tcp://127.0.0.1:1883", cfg.MQTT.Broker)
	require.Equal(t, 10, cfg.MQTT.MaxReconnectAttempts)
	require.Equal(t, 60*time.Second, cfg.Resolver.MemTTL)
	require.Equal(t, time.Hour, cfg.Resolver.DistTTL)
	require.Equal(t, 5*time.Minute, cfg.Health.SensorStaleAfter)
	require.Equal(t, 2*time.Minute, cfg.Health.DeviceOfflineAfter)
	require.Equal(t, "sensors/#", cfg.Pipeline.SensorTopicFilter)
	require.False(t, cfg.Pipeline.LegacyReadings)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("THUB_MQTT_BROKER", "tcp://broker.internal:1883")
	t.Setenv("THUB_DB_PSQL_PORT", "15432")
	t.Setenv("THUB_PIPELINE_LEGACY_READINGS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "tcp://broker.internal:1883", cfg.MQTT.Broker)
	require.Equal(t, 15432, cfg.Postgres.Port)
	require.True(t, cfg.Pipeline.LegacyReadings)
}
