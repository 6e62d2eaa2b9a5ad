package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/kranthikarthan/payment-saga/internal/api"
	"github.com/kranthikarthan/payment-saga/internal/compensation"
	"github.com/kranthikarthan/payment-saga/internal/config"
	"github.com/kranthikarthan/payment-saga/internal/events"
	"github.com/kranthikarthan/payment-saga/internal/invoker"
	"github.com/kranthikarthan/payment-saga/internal/kafka"
	"github.com/kranthikarthan/payment-saga/internal/orchestrator"
	"github.com/kranthikarthan/payment-saga/internal/statuscache"
	"github.com/kranthikarthan/payment-saga/internal/store/postgres"
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
	if err := cfg.ValidateForAPI(); err != nil {
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
	for _, tpl := range cfg.Templates {
		if err := sagaStore.SaveTemplate(ctx, tpl); err != nil {
			log.Printf("template %s persist failed: %v", tpl.Name, err)
		}
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
	cache := statuscache.NewWithClient(redisClient)
	orch, err := orchestrator.New(sagaStore, registry, invoker.NewHTTP(), publisher, engine,
		orchestrator.WithBackoff(backoff),
		orchestrator.WithStatusCache(cache),
	)
	if err != nil {
		log.Fatalf("orchestrator init failed: %v", err)
	}

	r := api.NewRouter(orch, sagaStore)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: r,
	}

	go func() {
		log.Printf("api listening on %s", cfg.API.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Printf("api shutting down")
}
