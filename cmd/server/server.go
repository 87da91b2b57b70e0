package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/septivank/alarm-gateway/internal/config"
	"github.com/septivank/alarm-gateway/internal/db"
	"github.com/septivank/alarm-gateway/internal/metrics"
	"github.com/septivank/alarm-gateway/internal/mq"
	"github.com/septivank/alarm-gateway/internal/notify"
	"github.com/septivank/alarm-gateway/internal/repository"
	"github.com/septivank/alarm-gateway/internal/service"
	"github.com/septivank/alarm-gateway/internal/tcp"
	"github.com/septivank/alarm-gateway/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Store is the persistence used by ingestion and the lifecycle coordinator
type Store interface {
	service.AlarmStore
	service.DeviceStore
}

// startServer wires the operator command consumer when RabbitMQ is enabled.
// The sweeper and metrics server are requested so fx constructs them.
func startServer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	commands *service.CommandService,
	_ *tcp.Sweeper,
	_ *metrics.Server,
) (*mq.Consumer, error) {
	if !conn.Enabled() {
		logger.Info("operator command consumer disabled")
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.CommandQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.CommandExchange,
		RoutingKey:    cfg.RabbitMQ.CommandRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       commands.HandleCommand,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting operator command consumer",
				zap.String("queue", cfg.RabbitMQ.CommandQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("operator command consumer stopped")
			return nil
		},
	})

	return consumer, nil
}

// ProvideStore creates the Postgres repository or the in-memory store per STORAGE_DRIVER
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (Store, error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		logger.Warn("using in-memory storage, data is lost on restart")
		return repository.NewMemoryStore(), nil
	}
	pool, err := db.NewPool(lc, logger, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return repository.NewRepository(pool), nil
}

// ProvideValidator creates a new validator instance
func ProvideValidator() *validator.Validator {
	return validator.NewValidator(validator.DefaultFutureToleranceMinutes)
}

// ProvideMQConnection creates a new RabbitMQ connection instance, nil when disabled
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideRedisClient creates the dashboard stream client, nil when REDIS_ADDR is unset
func ProvideRedisClient(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		logger.Info("REDIS_ADDR not set, dashboard stream disabled")
		return nil
	}
	return notify.NewRedisClient(lc, logger, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}

// ProvideDispatcher creates the notification dispatcher with every configured sink
func ProvideDispatcher(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	conn *mq.Connection,
	redisClient *redis.Client,
) (*notify.Dispatcher, error) {
	var sinks []notify.Sink

	if conn.Enabled() {
		publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.NotifyExchange, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, notify.NewAMQPSink(publisher))
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return publisher.Close()
			},
		})
	}
	if redisClient != nil {
		sinks = append(sinks, notify.NewRedisSink(redisClient, cfg.Redis.Stream))
	}

	dispatcher := notify.NewDispatcher(cfg.Notify.BufferSize, logger, sinks...)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			dispatcher.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return dispatcher.Stop(ctx)
		},
	})
	return dispatcher, nil
}

// ProvideIngestService creates the alarm ingestion pipeline
func ProvideIngestService(store Store, v *validator.Validator, dispatcher *notify.Dispatcher, logger *zap.Logger) *service.IngestService {
	return service.NewIngestService(store, v, dispatcher, logger)
}

// ProvideCoordinator creates the device lifecycle coordinator
func ProvideCoordinator(store Store, dispatcher *notify.Dispatcher, logger *zap.Logger) *service.Coordinator {
	return service.NewCoordinator(store, dispatcher, logger)
}

// ProvideMetricsRegistry creates the Prometheus registry with runtime collectors
func ProvideMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideCollector creates the gateway metrics
func ProvideCollector(reg *prometheus.Registry, dispatcher *notify.Dispatcher) (*metrics.Collector, error) {
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := collector.RegisterNotificationsDropped(dispatcher.Dropped); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// ProvideTCPServer creates the device server and binds it to the fx lifecycle
func ProvideTCPServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	ingest *service.IngestService,
	coordinator *service.Coordinator,
	collector *metrics.Collector,
	logger *zap.Logger,
) *tcp.Server {
	server := tcp.NewServer(cfg.TCP, ingest, coordinator, collector, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return server.Start(ctx, cfg.TCP.Port)
		},
		OnStop: func(ctx context.Context) error {
			return server.Stop()
		},
	})
	return server
}

// ProvideSweeper creates the background sweep and maintenance loop
func ProvideSweeper(lc fx.Lifecycle, cfg *config.Config, server *tcp.Server, coordinator *service.Coordinator, logger *zap.Logger) *tcp.Sweeper {
	sweeper := tcp.NewSweeper(server, coordinator, cfg.Maintenance, cfg.TCP.IdleTimeout(), logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sweeper.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sweeper.Stop()
			return nil
		},
	})
	return sweeper
}

// ProvideMetricsServer creates the /metrics, /healthz and /status HTTP server
func ProvideMetricsServer(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, server *tcp.Server, logger *zap.Logger) *metrics.Server {
	addr := net.JoinHostPort("", strconv.Itoa(cfg.ServicePort))
	httpServer := metrics.NewServer(addr, reg, server, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return httpServer.Start()
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Stop(ctx)
		},
	})
	return httpServer
}

// ProvideCommandService creates the operator command handler over the device server
func ProvideCommandService(server *tcp.Server, logger *zap.Logger) *service.CommandService {
	return service.NewCommandService(server, logger)
}
