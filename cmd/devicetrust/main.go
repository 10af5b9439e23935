// DEVICE TRUST SERVICE - cmd/devicetrust/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"fintrust/internal/events"
	"fintrust/internal/handler"
	"fintrust/internal/middleware"
	"fintrust/internal/repository/postgres"
	"fintrust/internal/risk"
	"fintrust/internal/scheduler"
	"fintrust/internal/security"
	"fintrust/internal/token"
	"fintrust/internal/trust"
	"fintrust/pkg/cache"
	"fintrust/pkg/config"
	"fintrust/pkg/logger"
	"fintrust/pkg/validator"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.New("devicetrust-service")

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	// Connect to database
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
	}

	cacheClient := cache.NewFromClient(redisClient)

	// Event publisher: NATS when enabled, structured log fallback otherwise
	var publisher events.Publisher = events.NewLogPublisher(log)
	if cfg.NATS.Enabled {
		natsPub, err := events.NewNATSPublisher(cfg.NATS.URL, log, cfg.Trust.EventPublishRetries)
		if err != nil {
			log.Error("NATS unavailable, falling back to log publisher", map[string]interface{}{"error": err.Error()})
		} else {
			publisher = natsPub
			defer natsPub.Close()
		}
	}

	crypto, err := security.NewCryptoService()
	if err != nil {
		log.Fatal("Failed to initialize crypto service", map[string]interface{}{"error": err.Error()})
	}

	// Initialize repositories
	deviceRepo := postgres.NewDeviceRepository(db)
	sessionRepo := postgres.NewSessionRepository(db)

	// Initialize services
	scorer := risk.NewScorer(cfg.Trust, risk.DefaultSuspicious)
	issuer := token.NewIssuer(cfg.JWT.Secret, cfg.JWT.Issuer)
	trustService := trust.NewService(deviceRepo, sessionRepo, issuer, publisher,
		cacheClient, crypto, scorer, log, cfg.Trust, cfg.JWT)

	// Background expiry sweep
	sweeper := scheduler.NewSessionSweeper(trustService, cfg.Trust.SweepInterval, log)
	sweeper.Start()
	defer sweeper.Stop()

	// Initialize handlers
	val := validator.New()
	deviceHandler := handler.NewDeviceHandler(trustService, val, log)
	sessionHandler := handler.NewSessionHandler(trustService, val, log)
	adminHandler := handler.NewAdminHandler(trustService, log)

	// Setup router
	r := mux.NewRouter()

	// Middleware
	r.Use(middleware.CORS)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)
	r.Use(middleware.NewRateLimiter(redisClient, 60, time.Minute).Limit)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery)
	r.Use(middleware.BodyLimit(1 << 20))

	// Routes
	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/api/v1/devices/register", deviceHandler.Register).Methods("POST")
	r.HandleFunc("/api/v1/devices/confirm", deviceHandler.Confirm).Methods("POST")
	r.HandleFunc("/api/v1/sessions/authenticate", sessionHandler.Authenticate).Methods("POST")
	r.HandleFunc("/api/v1/sessions/refresh", sessionHandler.Refresh).Methods("POST")
	r.HandleFunc("/api/v1/sessions/validate", sessionHandler.Validate).Methods("GET")
	r.HandleFunc("/api/v1/sessions/logout", sessionHandler.Logout).Methods("POST")

	// Protected routes
	authMW := middleware.NewSessionAuth(trustService)
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(authMW.Authenticate)
	api.HandleFunc("/devices", deviceHandler.List).Methods("GET")
	api.HandleFunc("/devices/{deviceId}", deviceHandler.Remove).Methods("DELETE")

	mfa := api.PathPrefix("/devices/{deviceId}/mfa").Subrouter()
	mfa.Use(authMW.RequireFullAuth)
	mfa.HandleFunc("/enroll", deviceHandler.EnrollMFA).Methods("POST")

	// Admin routes
	adminMW := middleware.NewAdminKey(cfg.Server.AdminKey)
	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(adminMW.Require)
	admin.HandleFunc("/devices/{deviceId}/trust", adminHandler.SetTrust).Methods("PUT")
	admin.HandleFunc("/devices/{deviceId}/block", adminHandler.Block).Methods("POST")
	admin.HandleFunc("/devices/{deviceId}/rescore", adminHandler.Rescore).Methods("POST")
	admin.HandleFunc("/users/{userId}/sessions", adminHandler.TerminateUserSessions).Methods("DELETE")

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		log.Info("Device trust service starting", map[string]interface{}{"port": cfg.Server.Port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Server stopped", nil)
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	_ = r
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"devicetrust"}`))
}
