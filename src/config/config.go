package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port         string
	DatabasePath string
	LogLevel     string

	// Cache retention for computed returns. Stale entries are refreshed in
	// place; expiry here is the eviction/retention policy.
	CacheTTL             time.Duration
	CacheCleanupInterval time.Duration

	// Background refresh pool.
	RefreshWorkers   int
	RefreshQueueSize int

	// Iteration ceiling for the return solver.
	SolverMaxIterations int

	// Request rate limiting.
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	refreshWorkers := getEnvAsInt("REFRESH_WORKERS", 4)
	if refreshWorkers < 1 {
		log.Printf("WARNING: REFRESH_WORKERS must be at least 1, got %d. Using 1.", refreshWorkers)
		refreshWorkers = 1
	}

	solverMaxIterations := getEnvAsInt("SOLVER_MAX_ITERATIONS", 200)
	if solverMaxIterations < 1 {
		log.Printf("WARNING: SOLVER_MAX_ITERATIONS must be at least 1, got %d. Using default 200.", solverMaxIterations)
		solverMaxIterations = 200
	}

	Cfg = &AppConfig{
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "./clientfolio.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		CacheTTL:             getEnvAsDuration("CACHE_TTL", 24*time.Hour),
		CacheCleanupInterval: getEnvAsDuration("CACHE_CLEANUP_INTERVAL", time.Hour),

		RefreshWorkers:   refreshWorkers,
		RefreshQueueSize: getEnvAsInt("REFRESH_QUEUE_SIZE", 256),

		SolverMaxIterations: solverMaxIterations,

		RateLimitInterval: getEnvAsDuration("RATE_LIMIT_INTERVAL", 100*time.Millisecond),
		RateLimitBurst:    getEnvAsInt("RATE_LIMIT_BURST", 30),
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, RefreshWorkers=%d",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.RefreshWorkers)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Integer value for %s not set or empty, using default: %d", key, fallback)
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Duration value for %s not set or empty, using default: %s", key, fallback.String())
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}
