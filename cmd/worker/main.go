package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kranthikarthan/payment-saga/internal/compensation"
	"github.com/kranthikarthan/payment-saga/internal/config"
	"github.com/kranthikarthan/payment-saga/internal/events"
	"github.com/kranthikarthan/payment-saga/internal/invoker"
	"github.com/kranthikarthan/payment-saga/internal/kafka"
	"github.com/kranthikarthan/payment-saga/internal/orchestrator"
	"github.com/kranthikarthan/payment-saga/internal/statuscache"
	"github.com/kranthikarthan/payment-saga/internal/store/postgres"
	"github.com/kranthikarthan/payment-saga/internal/worker"
)

const connectTimeout = 2 * time.Second

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.ValidateForWorker(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("redis ping failed: %v", err)
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), connectTimeout)
	if err := kafka.CheckConnectivity(ctx, cfg.Kafka.Brokers); err != nil {
		log.Printf("kafka connectivity check failed: %v", err)
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), connectTimeout)
	if err := postgres.CheckConnectivity(ctx, cfg.Postgres.DSN); err != nil {
		log.Printf("postgres connectivity check failed: %v", err)
	}
	cancel()

	sagaStore, err := postgres.New(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("postgres store init failed: %v", err)
	}
	defer sagaStore.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	if err := sagaStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema migration failed: %v", err)
	}
	cancel()

	registry, err := cfg.BuildRegistry()
	if err != nil {
		log.Fatalf("template registry failed: %v", err)
	}

	producer, err := kafka.NewKafkaGoProducer(cfg.Kafka)
	if err != nil {
		log.Fatalf("kafka producer init failed: %v", err)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			log.Printf("kafka producer close error: %v", err)
		}
	}()

	publisher, err := events.NewKafkaPublisher(cfg.Kafka, producer)
	if err != nil {
		log.Fatalf("event publisher init failed: %v", err)
	}

	engine, err := compensation.NewEngine(sagaStore, invoker.NewHTTP(), publisher,
		compensation.WithPolicy(cfg.CompensationPolicy()))
	if err != nil {
		log.Fatalf("compensation engine init failed: %v", err)
	}

	backoff, err := cfg.BackoffPolicy()
	if err != nil {
		log.Fatalf("backoff policy: %v", err)
	}
	orch, err := orchestrator.New(sagaStore, registry, invoker.NewHTTP(), publisher, engine,
		orchestrator.WithBackoff(backoff),
		orchestrator.WithStatusCache(statuscache.NewWithClient(redisClient)),
	)
	if err != nil {
		log.Fatalf("orchestrator init failed: %v", err)
	}

	consumer, err := kafka.NewKafkaGoConsumer(cfg.Kafka, cfg.Worker.GroupID)
	if err != nil {
		log.Fatalf("kafka consumer init failed: %v", err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Printf("kafka consumer close error: %v", err)
		}
	}()

	runner, err := worker.New(consumer, orch, producer, cfg.Kafka.DLQTopic)
	if err != nil {
		log.Fatalf("worker init failed: %v", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- runner.Run(runCtx)
	}()

	log.Printf("worker starting group=%s topic=%s", cfg.Worker.GroupID, cfg.Kafka.CommandsTopic)
	log.Printf("worker using redis=%s kafka_brokers=%v", cfg.Redis.Addr, cfg.Kafka.Brokers)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelRun()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Printf("worker stopped with error: %v", err)
		}
	case <-time.After(3 * time.Second):
		log.Printf("worker shutdown timed out")
	}
	log.Printf("worker shutting down")
}
