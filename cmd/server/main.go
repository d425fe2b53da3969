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
	"github.com/stagepass/treasury/docs"
	"github.com/stagepass/treasury/internal/config"
	"github.com/stagepass/treasury/internal/database"
	"github.com/stagepass/treasury/internal/handlers"
	mW "github.com/stagepass/treasury/internal/middleware"
	"github.com/stagepass/treasury/internal/models"
	"github.com/stagepass/treasury/internal/services"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Stagepass Treasury API
// @version 1.0
// @description Ledger and payment event processing core
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.SetEnvPrefix("")

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
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	treasuryCfg := config.LoadTreasuryConfig()
	if treasuryCfg.WebhookSecret == "" {
		log.Fatal("GATEWAY_WEBHOOK_SECRET is required")
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Stagepass Treasury API"
	docs.SwaggerInfo.Description = "Ledger and payment event processing core"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerService := services.NewLedgerService(db)

	// The reserve and payer funds accounts are ordinary rows resolved by
	// configured ids; make sure they exist before any event arrives.
	ctx := context.Background()
	if err := ledgerService.EnsureAccount(ctx, treasuryCfg.ReserveAccountID, "Platform Reserve"); err != nil {
		log.Fatalf("Failed to ensure reserve account: %v", err)
	}
	if err := ledgerService.EnsureAccount(ctx, treasuryCfg.PayerFundsAccountID, "Payer Funds Received"); err != nil {
		log.Fatalf("Failed to ensure payer funds account: %v", err)
	}

	notifier := services.NewRedisNotifier(redisClient)
	splitEngine := services.NewSplitEngine(db, ledgerService, treasuryCfg)
	fulfillment := services.NewTicketFulfillmentService(db, notifier)
	purchaseService := services.NewPurchaseService(db, ledgerService, splitEngine, fulfillment, notifier, treasuryCfg)
	gatewayClient := services.NewGatewayClient(treasuryCfg.GatewayBaseURL, treasuryCfg.GatewayAPIKey)
	refundService := services.NewRefundService(db, ledgerService, gatewayClient, notifier, treasuryCfg)
	payoutRail := services.NewPayoutRailService(treasuryCfg.PayoutRailURL, treasuryCfg.PlatformBIC)
	payoutScheduler := services.NewPayoutScheduler(db, ledgerService, payoutRail, treasuryCfg)
	splitRuleService := services.NewSplitRuleService(db)

	webhookService := services.NewWebhookService(db, treasuryCfg.WebhookSecret, treasuryCfg.WebhookTimeout)
	webhookService.Register(models.EventCheckoutCompleted, purchaseService.HandleCheckoutCompleted)
	webhookService.Register(models.EventChargeRefunded, refundService.HandleChargeRefunded)
	webhookService.Register(models.EventDisputeCreated, refundService.HandleDisputeCreated)
	webhookService.Register(models.EventDisputeClosed, refundService.HandleDisputeClosed)
	webhookService.Register(models.EventPayoutUpdated, payoutScheduler.HandlePayoutUpdated)
	webhookHandler := handlers.NewWebhookHandler(webhookService)

	// Background jobs: payout scheduling and split reconciliation.
	jobCtx, stopJobs := context.WithCancel(context.Background())
	go payoutScheduler.Run(jobCtx, treasuryCfg.PayoutInterval)
	go splitEngine.RunReconciliation(jobCtx, treasuryCfg.ReconcileInterval)

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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Gateway webhook endpoint (authenticated by signature, not JWT)
	r.Post("/webhooks/gateway", webhookHandler.HandleGatewayEvent)

	// Dashboard API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/ledger/accounts/{accountId}/balance", ledgerService.GetAccountBalance)
			r.Get("/ledger/accounts/{accountId}/entries", ledgerService.ListAccountEntries)

			r.Get("/purchases", purchaseService.ListPurchases)
			r.Get("/purchases/{purchaseId}", purchaseService.GetPurchase)

			r.Post("/split-rules", splitRuleService.CreateSplitRule)
			r.Get("/split-rules", splitRuleService.ListSplitRules)
			r.Delete("/split-rules/{ruleId}", splitRuleService.DeleteSplitRule)

			r.Post("/payouts", payoutScheduler.RequestPayout)
			r.Get("/payouts", payoutScheduler.ListPayouts)
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
	stopJobs()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
