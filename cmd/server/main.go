package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"

	"gudangku/backend/internal/cache"
	"gudangku/backend/internal/config"
	"gudangku/backend/internal/httpapi"
	"gudangku/backend/internal/idempotency"
	"gudangku/backend/internal/pubsub"
	"gudangku/backend/internal/service"
	"gudangku/backend/internal/store"
	"gudangku/backend/internal/store/memory"
	pgstore "gudangku/backend/internal/store/postgres"
)

func main() {
	// Optional .env for local development; unset in containers.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv: %v", err)
	}

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	invalidator := cache.Invalidator(cache.NoopInvalidator{})
	publisher := pubsub.Publisher(pubsub.NoopPublisher{})
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable (%v), propagation disabled", err)
		} else {
			invalidator = cache.NewRedisInvalidatorWithClient(client)
			publisher = pubsub.NewRedisPublisher(client)
			closers = append(closers, client.Close)
			log.Println("propagation: redis")
		}
	} else {
		log.Println("propagation: noop")
	}

	guard := idempotency.NewGuard(repo, time.Duration(cfg.IdempotencyTTLHours)*time.Hour)
	svc := service.New(repo, guard, invalidator, publisher,
		time.Duration(cfg.TxTimeoutSeconds)*time.Second, cfg.TxMaxRetries)
	auth := httpapi.NewAuthManager(cfg.AuthSecret)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("inventory ledger listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
