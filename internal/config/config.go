package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret string

	TxTimeoutSeconds    int
	TxMaxRetries        int
	IdempotencyTTLHours int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	txTimeout, err := strconv.Atoi(getEnv("TX_TIMEOUT_SECONDS", "10"))
	if err != nil || txTimeout < 1 {
		txTimeout = 10
	}
	txRetries, err := strconv.Atoi(getEnv("TX_MAX_RETRIES", "3"))
	if err != nil || txRetries < 1 {
		txRetries = 3
	}
	idemTTL, err := strconv.Atoi(getEnv("IDEMPOTENCY_TTL_HOURS", "24"))
	if err != nil || idemTTL < 1 {
		idemTTL = 24
	}

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		AuthSecret: strings.TrimSpace(os.Getenv("AUTH_SECRET")),

		TxTimeoutSeconds:    txTimeout,
		TxMaxRetries:        txRetries,
		IdempotencyTTLHours: idemTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
