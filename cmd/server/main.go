package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"

	"github.com/Devibnu/talkabiz-sub011/internal/config"
	"github.com/Devibnu/talkabiz-sub011/internal/database"
	"github.com/Devibnu/talkabiz-sub011/internal/handlers"
	mW "github.com/Devibnu/talkabiz-sub011/internal/middleware"
	"github.com/Devibnu/talkabiz-sub011/internal/services"
)

// @title Talkabiz Billing API
// @version 1.0
// @description Prepaid ledger, reservation and reconciliation engine for messaging billing
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	billingCfg := config.LoadBillingConfig()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerService := services.NewLedgerService(db)
	reservationService := services.NewReservationService(db, ledgerService, billingCfg)
	billingService := services.NewBillingService(db, redisClient, ledgerService, reservationService, billingCfg)
	reconciliationService := services.NewReconciliationService(db, redisClient, billingCfg)
	reportService := services.NewReportService(db)

	reservationHandler := handlers.NewReservationHandler(reservationService)
	reconciliationHandler := handlers.NewReconciliationHandler(reconciliationService)

	authMiddleware := mW.InitAuthMiddleware(redisClient)

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go reservationService.StartSweeper(workerCtx, billingCfg.SweepInterval)
	go reconciliationService.Start(workerCtx, billingCfg.ReconcileInterval)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Post("/reservations", reservationHandler.CreateReservation)
			r.Post("/reservations/{key}/confirm", reservationHandler.ConfirmReservation)
			r.Post("/reservations/{key}/cancel", reservationHandler.CancelReservation)

			r.Post("/billing/charges", billingService.HandleCharge)
			r.Post("/billing/refunds", billingService.HandleRefund)
			r.Post("/billing/topups", billingService.HandleTopup)

			r.Get("/accounts/{accountId}/balance", billingService.HandleBalance)
			r.Get("/accounts/{accountId}/entries", billingService.HandleEntries)
			r.Get("/accounts/{accountId}/snapshot", reportService.HandleSnapshot)

			r.Post("/reconciliation/runs", reconciliationHandler.RunReconciliation)
			r.Get("/reconciliation/reports", reconciliationHandler.ListReports)
			r.Patch("/reconciliation/anomalies/{id}", reconciliationHandler.UpdateAnomaly)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
