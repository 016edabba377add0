package main

import (
	"context"
	"encoding/json"
	stdlog "log"
	"net/http"
	"strings"
	"time"

	"github.com/username/clientfolio/backend/src/aggregator"
	"github.com/username/clientfolio/backend/src/cachemanager"
	"github.com/username/clientfolio/backend/src/collector"
	"github.com/username/clientfolio/backend/src/config"
	"github.com/username/clientfolio/backend/src/database"
	"github.com/username/clientfolio/backend/src/handlers"
	"github.com/username/clientfolio/backend/src/logger"
	"github.com/username/clientfolio/backend/src/solver"
	"github.com/username/clientfolio/backend/src/store"
	"golang.org/x/time/rate"
)

var limiter *rate.Limiter

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"remoteAddr", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:3000": true,
		}

		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Requested-With, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "ETag")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == "OPTIONS" {
			logger.L.Debug("Handling OPTIONS preflight request", "path", r.URL.Path, "origin", origin)
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("Clientfolio returns backend starting...")

	limiter = rate.NewLimiter(rate.Every(config.Cfg.RateLimitInterval), config.Cfg.RateLimitBurst)

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	logger.L.Info("Database initialized successfully.")

	logger.L.Info("Initializing returns engine...")
	sqlStore := store.New(database.DB)
	cashFlowCollector := collector.New(sqlStore)
	irrSolver := solver.New(config.Cfg.SolverMaxIterations)
	engine := aggregator.New(cashFlowCollector, sqlStore, irrSolver)

	cacheManager := cachemanager.New(engine, sqlStore, sqlStore,
		config.Cfg.CacheTTL, config.Cfg.CacheCleanupInterval, config.Cfg.RefreshQueueSize)
	sqlStore.SetNotifier(cacheManager)

	warmed, err := cacheManager.WarmStart(context.Background())
	if err != nil {
		logger.L.Error("Failed to warm cache from persisted entries", "error", err)
	} else {
		logger.L.Info("Cache warmed from persisted entries", "entries", warmed)
	}
	cacheManager.StartWorkers(config.Cfg.RefreshWorkers)
	defer cacheManager.Close()

	logger.L.Info("Initializing handlers...")
	returnsHandler := handlers.NewReturnsHandler(cacheManager)
	ledgerHandler := handlers.NewLedgerHandler(sqlStore)

	logger.L.Info("Configuring routes...")
	rootMux := http.NewServeMux()
	apiRouter := http.NewServeMux()

	apiRouter.HandleFunc("GET /api/returns/rate", returnsHandler.HandleGetRate)
	apiRouter.HandleFunc("POST /api/returns/refresh", returnsHandler.HandleRefresh)
	apiRouter.HandleFunc("POST /api/ledger/events", ledgerHandler.HandleInsertEvent)
	apiRouter.HandleFunc("POST /api/ledger/import", ledgerHandler.HandleImportEvents)
	apiRouter.HandleFunc("DELETE /api/ledger/events/{id}", ledgerHandler.HandleDeleteEvent)

	rootMux.Handle("/api/", apiRouter)

	rootMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"message": "Clientfolio returns backend is running"})
		} else {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				logger.L.Warn("Root level path not found", "method", r.Method, "path", r.URL.Path)
				http.NotFound(w, r)
			}
		}
	})

	logger.L.Info("Applying global middleware...")
	finalHandler := enableCORS(rateLimitMiddleware(rootMux))

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.L.Info("Server starting", "address", serverAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.L.Error("Failed to start server", "error", err)
		stdlog.Fatalf("Failed to start server: %v", err)
	} else if err == http.ErrServerClosed {
		logger.L.Info("Server stopped gracefully.")
	}
}
