package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/config"
	"github.com/ariefcatur/go-storefront-settlement/internal/fulfillment"
	kafkax "github.com/ariefcatur/go-storefront-settlement/internal/kafka"
	"github.com/ariefcatur/go-storefront-settlement/internal/logx"
	"github.com/ariefcatur/go-storefront-settlement/internal/observability"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/postgres"
	"github.com/ariefcatur/go-storefront-settlement/internal/redisx"
	"github.com/ariefcatur/go-storefront-settlement/internal/settlement"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Store != config.StorePostgres || len(cfg.KafkaBrokers) == 0 || cfg.RedisAddr == "" {
		log.Fatal("fulfillment consumer needs STORE=postgres, KAFKA_BROKERS and REDIS_ADDR")
	}
	logger, err := logx.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger.With(zap.String("component", "fulfillment"))); err != nil {
		logger.Fatal("fulfillment consumer exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName:    cfg.ServiceName + "-fulfillment",
		ServiceVersion: version,
		Endpoint:       cfg.OtelEndpoint,
		AuthHeader:     cfg.OtelAuthHeader,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		return err
	}

	// status events produced by settlements this consumer drives
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start()
	defer func() {
		prod.Close()
		prod.WaitClosed()
	}()

	orderSvc := settlement.New(&orders.Repo{DB: db}, logger)
	orderSvc.Name = cfg.ServiceName + "-fulfillment"
	orderSvc.Events = prod
	orderSvc.Stock = redisx.NewStockCache(rdb, cfg.StockCacheTTL, logger)

	svc := &fulfillment.Service{
		Orders: orderSvc,
		Dedup:  redisx.NewDedup(rdb, cfg.FulfillmentGroup),
		Log:    logger,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.FulfillmentGroup, orders.TopicFulfillmentStatus, cfg.FulfillmentWorkers, logger)
	logger.Info("consumer started",
		zap.String("group", cfg.FulfillmentGroup),
		zap.String("topic", orders.TopicFulfillmentStatus),
		zap.Int("workers", cfg.FulfillmentWorkers),
	)
	// Start returns once ctx is cancelled and every worker has finished its message.
	return cons.Start(ctx, svc.HandleFulfillmentStatus)
}
