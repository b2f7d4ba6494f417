package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"clearwater/internal/sluice"
	"clearwater/pkg/clients"
	"clearwater/pkg/config"
	"clearwater/pkg/kafka"
	"clearwater/pkg/logging"
	"clearwater/pkg/monitoring"
	"clearwater/pkg/mqtt"
	"clearwater/pkg/server"
	"clearwater/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("sluice")
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GitCommit,
	}).Info("Starting Sluice MQTT bridge")

	brokerURL := config.RequireEnv("MQTT_BROKER_URL")
	kafkaBrokers := strings.Split(config.RequireEnv("KAFKA_BROKERS"), ",")
	clusterID := config.GetEnv("KAFKA_CLUSTER_ID", "clearwater")

	producer, err := kafka.NewProducer(kafkaBrokers, clusterID, "sluice", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	cbCfg := clients.DefaultCircuitBreakerConfig("publish")
	cbCfg.Logger = logger
	breaker := clients.NewCircuitBreaker(cbCfg)

	memLimit := uint64(config.GetEnvInt("MEMORY_LIMIT_BYTES", 512<<20))
	monitor, err := monitoring.NewResourceMonitor(memLimit, monitoring.DefaultResourceThresholds(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create resource monitor")
	}

	bridgeCfg := sluice.DefaultConfig()
	bridgeCfg.BufferMax = config.GetEnvInt("BUFFER_MAX", bridgeCfg.BufferMax)
	bridgeCfg.FlushInterval = config.GetEnvDuration("FLUSH_INTERVAL", bridgeCfg.FlushInterval)
	bridgeCfg.BatchMaxMsgs = config.GetEnvInt("BATCH_MAX_MESSAGES", bridgeCfg.BatchMaxMsgs)
	bridgeCfg.BatchMaxBytes = config.GetEnvInt("BATCH_MAX_BYTES", bridgeCfg.BatchMaxBytes)

	collector := monitoring.NewMetricsCollector("sluice", version.Version, version.GitCommit)
	metrics := sluice.NewMetrics(collector.Registry())

	bridge := sluice.New(bridgeCfg, producer, breaker, monitor, metrics, logger)

	mqttClient := mqtt.NewClient(mqtt.Config{
		BrokerURL: brokerURL,
		Username:  config.GetEnv("MQTT_USERNAME", ""),
		Password:  config.GetEnv("MQTT_PASSWORD", ""),
		ClientID:  config.GetEnv("MQTT_CLIENT_ID", "sluice"),
	}, bridge.Subscriptions(), bridge.HandleMessage, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Start(ctx)

	bridge.SetState(sluice.StateConnecting)
	if err := mqttClient.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start MQTT client")
	}
	bridge.SetState(sluice.StateSubscribed)

	runDone := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(runDone)
	}()

	router := server.SetupRouter(logger)
	router.Use(collector.MetricsMiddleware())
	router.GET("/health", func(c *gin.Context) {
		payload := bridge.Health()
		code := http.StatusOK
		if payload.Status == monitoring.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, payload)
	})
	router.GET("/metrics", collector.Handler())

	srvCfg := server.DefaultConfig("sluice", "18080")
	srv := server.NewServer(srvCfg, router, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down, draining buffers")

	// Stop intake and let the bridge run its final drain before the
	// producer goes away.
	cancel()
	select {
	case <-runDone:
	case <-time.After(15 * time.Second):
		logger.Warn("Final drain did not finish in time")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := mqttClient.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("MQTT disconnect failed")
	}

	if err := server.Shutdown(srv, srvCfg, logger); err != nil {
		logger.WithError(err).Error("HTTP shutdown failed")
	}
	logger.Info("Sluice stopped")
}
