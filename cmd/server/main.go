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
	"github.com/permastore/backend/docs"
	"github.com/permastore/backend/internal/audit"
	"github.com/permastore/backend/internal/database"
	"github.com/permastore/backend/internal/handlers"
	mW "github.com/permastore/backend/internal/middleware"
	"github.com/permastore/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Storage Credit Marketplace API
// @version 1.0
// @description Ledger, purchase and P2P trading API for permanent-storage credits
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
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
	viper.BindEnv("payments.api_key", "PAYMENTS_API_KEY")
	viper.BindEnv("payments.base_url", "PAYMENTS_BASE_URL")
	viper.BindEnv("pricing.storage_fee_url", "PRICING_STORAGE_FEE_URL")
	viper.BindEnv("pricing.token_price_url", "PRICING_TOKEN_PRICE_URL")
	viper.BindEnv("pricing.token_id", "PRICING_TOKEN_ID")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Storage Credit Marketplace API"
	docs.SwaggerInfo.Description = "Ledger, purchase and P2P trading API for permanent-storage credits"
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

	auditLogger := audit.NewLogger()
	journalService := services.NewJournalService(db)
	ledgerService := services.NewCreditLedgerService(db, journalService, auditLogger)
	pricingService := services.NewPricingService()
	chargeProvider := services.NewCommerceClient()
	payoutService := services.NewPayoutService(redisClient)
	purchaseService := services.NewPurchaseService(db, pricingService, chargeProvider, ledgerService, auditLogger)
	marketplaceService := services.NewMarketplaceService(db, ledgerService, journalService, chargeProvider, payoutService, auditLogger)
	checkoutQRService := services.NewCheckoutQRService(db, redisClient)
	checkoutHandler := handlers.NewCheckoutHandler(checkoutQRService)
	accountHandler := handlers.NewAccountHandler(ledgerService, journalService)

	tradeLimiter := mW.NewRateLimiter(redisClient, "trade", 30, time.Minute)

	// Drain seller payouts in the background
	payoutCtx, stopPayouts := context.WithCancel(context.Background())
	defer stopPayouts()
	if redisClient != nil {
		go payoutService.DispatchLoop(payoutCtx, 10*time.Second)
	}

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

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/purchases/quote", purchaseService.HandleQuote)
		r.Get("/listings", marketplaceService.HandleListListings)
		r.Get("/listings/{listingId}", marketplaceService.HandleGetListing)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/purchases", purchaseService.HandleInitiate)
			r.Post("/purchases/{purchaseId}/confirm", purchaseService.HandleConfirm)
			r.Get("/purchases/{purchaseId}", purchaseService.HandleGet)
			r.Get("/purchases/{purchaseId}/checkout-qr", checkoutHandler.CheckoutQR)

			r.Get("/account/balance", accountHandler.GetBalance)
			r.Get("/account/summary", accountHandler.GetUsageSummary)
			r.Post("/account/uploads", accountHandler.RecordUpload)

			r.Get("/payouts/queue", payoutService.HandleQueueStatus)

			// Mutating marketplace routes are rate limited
			r.Group(func(r chi.Router) {
				r.Use(tradeLimiter.Handler)

				r.Post("/listings", marketplaceService.HandleCreateListing)
				r.Post("/listings/{listingId}/purchase", marketplaceService.HandlePurchaseListing)
				r.Delete("/listings/{listingId}", marketplaceService.HandleCancelListing)
				r.Post("/settlements/{settlementId}/confirm", marketplaceService.HandleConfirmListingPurchase)
			})
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopPayouts()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
