package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"clearwater/internal/confluence"
	"clearwater/pkg/clients"
	"clearwater/pkg/config"
	"clearwater/pkg/database"
	"clearwater/pkg/email"
	"clearwater/pkg/kafka"
	"clearwater/pkg/logging"
	"clearwater/pkg/monitoring"
	"clearwater/pkg/server"
	"clearwater/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("confluence")
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GitCommit,
	}).Info("Starting Confluence stream processor")

	dbCfg := database.DefaultConfig()
	dbCfg.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbCfg, logger)
	defer db.Close()

	chCfg := database.DefaultClickHouseConfig()
	chCfg.Addr = strings.Split(config.GetEnv("CLICKHOUSE_HOST", "127.0.0.1:9000"), ",")
	chCfg.Database = config.GetEnv("CLICKHOUSE_DB", "clearwater")
	chCfg.Username = config.GetEnv("CLICKHOUSE_USER", "default")
	chCfg.Password = config.GetEnv("CLICKHOUSE_PASSWORD", "")
	chConn := database.MustConnectClickHouseNative(chCfg, logger)
	defer chConn.Close()

	kafkaBrokers := strings.Split(config.RequireEnv("KAFKA_BROKERS"), ",")
	clusterID := config.GetEnv("KAFKA_CLUSTER_ID", "clearwater")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "confluence")

	producer, err := kafka.NewProducer(kafkaBrokers, clusterID, "confluence", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	consumer, err := kafka.NewConsumer(kafkaBrokers, groupID, clusterID, "confluence", kafka.ConsumerConfig{
		Workers: config.GetEnvInt("PROCESSOR_WORKERS", 4),
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()

	emailCfg := email.Config{
		Host:     config.GetEnv("SMTP_HOST", "localhost"),
		Port:     config.GetEnv("SMTP_PORT", "587"),
		User:     config.GetEnv("SMTP_USER", ""),
		Password: config.GetEnv("SMTP_PASSWORD", ""),
		From:     config.GetEnv("SMTP_FROM", "alerts@clearwater.local"),
		FromName: config.GetEnv("SMTP_FROM_NAME", "Clearwater Alerts"),
	}
	emailCbCfg := clients.DefaultCircuitBreakerConfig("email")
	emailCbCfg.Logger = logger
	emailBreaker := clients.NewCircuitBreaker(emailCbCfg)

	store := confluence.NewStore(db, logger)
	ts := confluence.NewTimeSeries(chConn, logger)
	notifier := confluence.NewNotifier(email.NewSender(emailCfg), emailBreaker, logger)

	collector := monitoring.NewMetricsCollector("confluence", version.Version, version.GitCommit)
	metrics := confluence.NewMetrics(collector.Registry())

	processor := confluence.NewProcessor(store, ts, notifier, producer, metrics, logger)
	processor.Register(consumer)

	healthChecker := monitoring.NewHealthChecker("confluence", version.Version)
	healthChecker.AddCheck("postgres", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("clickhouse", monitoring.ClickHouseNativeHealthCheck(chConn))
	healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(consumer.GetClient()))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"SMTP_HOST": emailCfg.Host,
		"SMTP_FROM": emailCfg.From,
	}))

	router := server.SetupServiceRouter(logger, "confluence", healthChecker, collector)

	jwtSecret := []byte(config.RequireEnv("JWT_SECRET"))
	mutations := confluence.NewMutationAPI(store, processor, logger)
	mutations.RegisterRoutes(router, jwtSecret)

	srvCfg := server.DefaultConfig("confluence", "18081")
	srv := server.NewServer(srvCfg, router, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumeDone := make(chan error, 1)
	go func() {
		consumeDone <- consumer.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("Shutting down")
		cancel()
		<-consumeDone
	case err := <-consumeDone:
		if err != nil {
			logger.WithError(err).Error("Consumer stopped")
		}
		cancel()
	}

	if err := server.Shutdown(srv, srvCfg, logger); err != nil {
		logger.WithError(err).Error("HTTP shutdown failed")
	}
	logger.Info("Confluence stopped")
}
