// Package config loads the service configuration from telemetry-hub.yml
// with THUB_* environment overrides.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type MQTT struct {
	Broker               string
	Username             string
	Password             string
	ClientID             string
	QoS                  byte
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

type Postgres struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Resolver struct {
	MemCapacity int
	MemTTL      time.Duration
	DistTTL     time.Duration
	WarmUp      bool
}

type Health struct {
	SweepInterval         time.Duration
	SensorStaleAfter      time.Duration
	DeviceOfflineAfter    time.Duration
	SubscriptionIdleAfter time.Duration
}

type Pipeline struct {
	SensorTopicFilter string
	LegacyReadings    bool
}

type Command struct {
	Timeout time.Duration
}

type HTTP struct {
	Listen string
}

type Config struct {
	MQTT     MQTT
	Postgres Postgres
	Redis    Redis
	Resolver Resolver
	Health   Health
	Pipeline Pipeline
	Command  Command
	HTTP     HTTP
	LogLevel string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http.listen", ":9100")

	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "telemetry-hub")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.reconnect_interval", "5s")
	v.SetDefault("mqtt.max_reconnect_attempts", 10)

	v.SetDefault("db.psql.host", "127.0.0.1")
	v.SetDefault("db.psql.port", 5432)
	v.SetDefault("db.psql.user", "postgres")
	v.SetDefault("db.psql.dbname", "telemetry")

	v.SetDefault("db.redis.addr", "127.0.0.1:6379")
	v.SetDefault("db.redis.db_num", 0)

	v.SetDefault("resolver.mem_capacity", 4096)
	v.SetDefault("resolver.mem_ttl", "60s")
	v.SetDefault("resolver.dist_ttl", "1h")
	v.SetDefault("resolver.warm_up", true)

	v.SetDefault("health.sweep_interval", "30s")
	v.SetDefault("health.sensor_stale_after", "5m")
	v.SetDefault("health.device_offline_after", "2m")
	v.SetDefault("health.subscription_idle_after", "10m")

	v.SetDefault("pipeline.sensor_topic_filter", "sensors/#")
	v.SetDefault("pipeline.legacy_readings", false)

	v.SetDefault("command.timeout", "30s")
}

// Load reads telemetry-hub.yml from the given directories, then the
// working directory, with environment overrides. A missing file is
// fine; defaults plus environment then apply.
func Load(dirs ...string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("THUB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigName("telemetry-hub")
	v.SetConfigType("yml")
	for _, dir := range dirs {
		if dir != "" {
			v.AddConfigPath(dir)
		}
	}
	v.AddConfigPath(".")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	cfg := &Config{
		LogLevel: v.GetString("log_level"),
		HTTP:     HTTP{Listen: v.GetString("http.listen")},
		MQTT: MQTT{
			Broker:               v.GetString("mqtt.broker"),
			Username:             v.GetString("mqtt.username"),
			Password:             v.GetString("mqtt.password"),
			ClientID:             v.GetString("mqtt.client_id"),
			QoS:                  byte(v.GetInt("mqtt.qos")),
			ReconnectInterval:    v.GetDuration("mqtt.reconnect_interval"),
			MaxReconnectAttempts: v.GetInt("mqtt.max_reconnect_attempts"),
		},
		Postgres: Postgres{
			Host:     v.GetString("db.psql.host"),
			Port:     v.GetInt("db.psql.port"),
			User:     v.GetString("db.psql.user"),
			Password: v.GetString("db.psql.password"),
			DBName:   v.GetString("db.psql.dbname"),
		},
		Redis: Redis{
			Addr:     v.GetString("db.redis.addr"),
			Password: v.GetString("db.redis.password"),
			DB:       v.GetInt("db.redis.db_num"),
		},
		Resolver: Resolver{
			MemCapacity: v.GetInt("resolver.mem_capacity"),
			MemTTL:      v.GetDuration("resolver.mem_ttl"),
			DistTTL:     v.GetDuration("resolver.dist_ttl"),
			WarmUp:      v.GetBool("resolver.warm_up"),
		},
		Health: Health{
			SweepInterval:         v.GetDuration("health.sweep_interval"),
			SensorStaleAfter:      v.GetDuration("health.sensor_stale_after"),
			DeviceOfflineAfter:    v.GetDuration("health.device_offline_after"),
			SubscriptionIdleAfter: v.GetDuration("health.subscription_idle_after"),
		},
		Pipeline: Pipeline{
			SensorTopicFilter: v.GetString("pipeline.sensor_topic_filter"),
			LegacyReadings:    v.GetBool("pipeline.legacy_readings"),
		},
		Command: Command{Timeout: v.GetDuration("command.timeout")},
	}
	return cfg, nil
}
