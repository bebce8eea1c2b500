/**
 * @description
 * This is the main entry point for the ledger-service. It loads configuration,
 * opens the ledger store, connects the optional Redis, RabbitMQ and Kafka
 * collaborators, wires the engine, reward pools and group lifecycle together and
 * serves the HTTP API until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver for the durable store.
 * - github.com/redis/go-redis/v9: Cooldown and velocity tracking for entry rewards.
 * - github.com/prometheus/client_golang: Operation metrics served on /metrics.
 * - pkg/rabbitmq: Provisioning status consumer and outbox publisher.
 * - pkg/kafka: Outcome event export.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hongbao/ledger-service/internal/api"
	"github.com/hongbao/ledger-service/internal/app"
	"github.com/hongbao/ledger-service/internal/config"
	"github.com/hongbao/ledger-service/internal/store"
	"github.com/hongbao/ledger-service/pkg/kafka"
	rmrabbit "github.com/hongbao/ledger-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, relying on environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s store=%s", cfg.ServerPort, cfg.LedgerStore)

	repository, closeStore := openStore(cfg)
	defer closeStore()

	redisClient := connectRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var sink app.EventSink
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		publisher := kafka.NewPublisher(brokers, cfg.KafkaOutcomeTopic)
		defer publisher.Close()
		sink = publisher
		log.Printf("level=info component=bootstrap msg=\"outcome export enabled\" topic=%s brokers=%d", cfg.KafkaOutcomeTopic, len(brokers))
	}
	outcomes := app.NewOutcomeRecorder(registry, sink)

	engineOptions := app.EngineOptions{
		Gate:               app.NewThresholdFraudGate(cfg.FraudThrottleThreshold, cfg.FraudDenyThreshold, cfg.FraudThrottleMultiplier),
		Outcomes:           outcomes,
		OperationTimeout:   cfg.OperationTimeout(),
		LowTrustMultiplier: cfg.LowTrustMultiplier,
		JournalPageSize:    cfg.JournalPageSize,
	}
	if redisClient != nil {
		engineOptions.Velocity = app.NewRedisVelocityTracker(redisClient, cfg.RedisKeyPrefix, cfg.FraudWindow())
		engineOptions.Cooldown = app.NewRedisCooldown(redisClient, cfg.RedisKeyPrefix, cfg.RewardCooldown())
	}
	engine := app.NewEngine(repository, engineOptions)

	pools := app.NewRewardPools(repository, cfg.EntryRewardMaxPoints, cfg.ColdStartWindow(), cfg.OperationTimeout(), outcomes)
	groups := app.NewGroupLifecycle(repository, engine, pools, app.GroupSettings{
		CreateCost:          cfg.GroupCreateCost,
		PinCost:             cfg.GroupPinCost,
		PinLimit:            cfg.PinLimit,
		PinDuration:         cfg.PinDuration(),
		DefaultRewardPoints: cfg.EntryRewardDefaultPoints,
		DefaultRewardPool:   cfg.EntryRewardDefaultPool,
		MaxRewardPoints:     cfg.EntryRewardMaxPoints,
		ProvisioningTimeout: cfg.ProvisioningTimeout(),
		ChargingStaleAfter:  cfg.ChargingStaleAfter(),
		EventsExchange:      cfg.EventsExchange,
		OperationTimeout:    cfg.OperationTimeout(),
	}, outcomes)

	// Background workers share one context that is cancelled on shutdown.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; provisioning events and outbox relay disabled\" env=RABBITMQ_URL")
	} else {
		dispatcher := app.NewOutboxDispatcher(repository, app.RabbitPublisherFactory(cfg.RabbitMQURL), cfg.OutboxPollInterval())
		go dispatcher.Run(workerCtx)

		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, rmrabbit.ConsumerOptions{
			Prefetch:           16,
			DeadLetterExchange: cfg.EventsExchange + ".dlx",
		})
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer rabbitConsumer.Close()

		provisioningConsumer := app.NewProvisioningStatusConsumer(groups)
		bindings := map[string]rmrabbit.Handler{
			"group.provisioning.succeeded": provisioningConsumer.HandlerFor(app.ProvisioningSucceeded),
			"group.provisioning.failed":    provisioningConsumer.HandlerFor(app.ProvisioningFailed),
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.ProvisioningEventQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"provisioning consumer start failed\" err=%v", err)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(groups, logger, cfg.ProvisioningSweepSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	handler := api.NewHandler(engine, groups, pools)
	router := api.NewRouter(handler, cfg.ClerkJWKSURL, cfg.InternalAPIKey, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	stopWorkers()
	<-scheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openStore returns the configured repository and a function that releases it.
func openStore(cfg config.Config) (store.Repository, func()) {
	if strings.EqualFold(strings.TrimSpace(cfg.LedgerStore), "memory") {
		log.Println("level=warn component=bootstrap msg=\"using in-memory ledger store; balances are lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)
	schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repository.EnsureSchema(schemaCtx); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
	}
	return repository, dbpool.Close
}

// connectRedis returns nil when Redis is not configured or unreachable; reward
// cooldown and velocity checks are then skipped.
func connectRedis(url string) *redis.Client {
	if strings.TrimSpace(url) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; reward cooldown and velocity disabled\" env=REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; reward cooldown and velocity disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; reward cooldown and velocity disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
