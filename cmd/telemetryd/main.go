package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ThingsPanel/telemetry-hub/internal/api"
	"github.com/ThingsPanel/telemetry-hub/internal/config"
	"github.com/ThingsPanel/telemetry-hub/internal/device"
	"github.com/ThingsPanel/telemetry-hub/internal/health"
	"github.com/ThingsPanel/telemetry-hub/internal/live"
	"github.com/ThingsPanel/telemetry-hub/internal/pipeline"
	"github.com/ThingsPanel/telemetry-hub/internal/resolver"
	"github.com/ThingsPanel/telemetry-hub/internal/store"
	"github.com/ThingsPanel/telemetry-hub/internal/transport"
)

var configDir string

func main() {
	rootCmd := &cobra.Command{
		Use:   "telemetryd",
		Short: "IoT telemetry ingestion and device command service",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run()
		},
	}
	defaultDir, _ := getDefaultConfigDir()
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", defaultDir,
		"directory containing telemetry-hub.yml")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run() error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.Open(cfg.Postgres.Host, cfg.Postgres.Port,
		cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName)
	if err != nil {
		return err
	}
	cache, err := store.NewCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}

	hub := live.NewHub(logger.Named("live"))
	go hub.Run()

	res := resolver.New(st, cache, logger.Named("resolver"), resolver.Options{
		MemCapacity: cfg.Resolver.MemCapacity,
		MemTTL:      cfg.Resolver.MemTTL,
		DistTTL:     cfg.Resolver.DistTTL,
	})

	// unique client id suffix so a restarted instance does not kick a
	// lingering session off the broker
	clientID := fmt.Sprintf("%s-%s", cfg.MQTT.ClientID, uuid.New().String()[:8])
	tm := transport.NewManager(transport.Options{
		Broker:               cfg.MQTT.Broker,
		Username:             cfg.MQTT.Username,
		Password:             cfg.MQTT.Password,
		ClientID:             clientID,
		QoS:                  cfg.MQTT.QoS,
		ReconnectInterval:    cfg.MQTT.ReconnectInterval,
		MaxReconnectAttempts: cfg.MQTT.MaxReconnectAttempts,
	}, logger.Named("transport"))

	correlator := device.NewCorrelator(tm, logger.Named("commands"))
	devices := device.NewManager(st, correlator, hub, logger.Named("devices"))

	tracker := health.NewTracker()
	pipe := pipeline.New(res, st, hub, tracker, logger.Named("pipeline"), pipeline.Options{
		LegacyReadings: cfg.Pipeline.LegacyReadings,
	})

	tm.Register(cfg.Pipeline.SensorTopicFilter, pipe.HandleSensorData)
	tm.Register("edge/+/+", devices.Handle)
	tm.Register("tenants/+/devices/+/+", devices.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Resolver.WarmUp {
		if err := res.WarmUp(ctx); err != nil {
			logger.Warn("topic cache warm-up failed", zap.Error(err))
		}
	}

	if err := tm.Connect(); err != nil {
		return err
	}

	monitor := health.NewMonitor(tracker, st, hub, tm, logger.Named("health"), health.Options{
		SweepInterval:         cfg.Health.SweepInterval,
		SensorStaleAfter:      cfg.Health.SensorStaleAfter,
		DeviceOfflineAfter:    cfg.Health.DeviceOfflineAfter,
		SubscriptionIdleAfter: cfg.Health.SubscriptionIdleAfter,
	})
	go monitor.Run(ctx)

	server := api.NewServer(api.Options{
		Listen:         cfg.HTTP.Listen,
		CommandTimeout: cfg.Command.Timeout,
	}, hub, correlator, res, logger.Named("http"))
	server.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	tm.Close()
	hub.Stop()
	return nil
}
