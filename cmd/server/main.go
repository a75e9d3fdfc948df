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
	_ "github.com/cryptoconsult/backend/docs"
	"github.com/cryptoconsult/backend/internal/config"
	"github.com/cryptoconsult/backend/internal/database"
	"github.com/cryptoconsult/backend/internal/gateway"
	"github.com/cryptoconsult/backend/internal/handlers"
	mW "github.com/cryptoconsult/backend/internal/middleware"
	"github.com/cryptoconsult/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title CryptoConsult Payments API
// @version 1.0
// @description Wallet, payments and consultation booking API for the crypto analysis marketplace
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
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
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	paymentsCfg := config.LoadPaymentsConfig()
	mpesa := gateway.NewMpesaGateway(paymentsCfg.Mpesa)
	paypal := gateway.NewPaypalGateway(paymentsCfg.Paypal)

	walletService := services.NewWalletService(db)
	reconcileService := services.NewReconcileService(db, walletService)
	authService := services.NewAuthService(db, redisClient)
	paymentService := services.NewPaymentService(redisClient, walletService, reconcileService, mpesa, paypal, paymentsCfg)
	purchaseService := services.NewPurchaseService(db, walletService, reconcileService, mpesa, paymentsCfg)
	consultationService := services.NewConsultationService(db, redisClient, walletService)
	bankService := services.NewBankService()
	settlementService := services.NewSettlementService(redisClient, walletService, reconcileService, bankService,
		paymentsCfg.Settlement.InstitutionBIC, paymentsCfg.Settlement.InstitutionName)
	paymentMethodService := services.NewPaymentMethodService(db)
	transcriptionService := services.NewTranscriptionService(db)
	defer transcriptionService.Close()

	meetingQRService := services.NewMeetingQRService(db, redisClient)
	meetingQRHandler := handlers.NewMeetingQRHandler(meetingQRService)
	callbackHandler := handlers.NewCallbackHandler(reconcileService, mpesa)

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

	// Static file server for bank logos
	r.Handle("/static/bank-logos/*", http.StripPrefix("/static/bank-logos/",
		mW.StaticFileServer("./static/bank-logos")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Get("/banks", bankService.GetAllBanks)

		// Provider-facing endpoints; the gateways authenticate by callback
		// shape and correlation id, not by bearer token.
		r.Post("/payments/mpesa/callback", callbackHandler.MpesaSTKCallback)
		r.Post("/payments/mpesa/b2c/callback", callbackHandler.MpesaB2CCallback)
		r.Post("/payments/bank/settlement-report", settlementService.ProcessSettlementReport)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware(redisClient))

			r.Get("/auth/account", authService.GetUserAccount)
			r.Post("/auth/verify-phone", authService.VerifyPhone)
			r.Post("/auth/confirm-phone", authService.ConfirmPhone)

			// Wallet endpoints
			r.Get("/wallet", walletService.GetWalletBalance)
			r.Get("/wallet/transactions", walletService.ListTransactions)
			r.Put("/wallet/payment-method", paymentMethodService.SetPreferredMethod)
			r.Get("/wallet/payment-methods", paymentMethodService.GetPaymentMethods)
			r.Put("/wallet/paypal", paymentMethodService.AttachPaypal)
			r.Delete("/wallet/paypal", paymentMethodService.DetachPaypal)

			// Payment endpoints
			r.Post("/payments/mpesa/deposit", paymentService.InitiateMpesaDeposit)
			r.Post("/payments/mpesa/withdraw", paymentService.InitiateMpesaWithdrawal)
			r.Get("/payments/status/{correlationID}", paymentService.GetPaymentStatus)
			r.Post("/payments/paypal/orders", paymentService.CreatePaypalOrder)
			r.Get("/payments/paypal/success", paymentService.PaypalSuccess)
			r.Get("/payments/paypal/cancel", paymentService.PaypalCancel)
			r.Post("/payments/bank/withdraw", settlementService.InitiateBankWithdrawal)

			// Marketplace endpoints
			r.Get("/analyses", purchaseService.ListAnalyses)
			r.Post("/analyses/{analysisID}/purchase", purchaseService.PurchaseWithBalance)
			r.Post("/analyses/{analysisID}/purchase/mpesa", purchaseService.PurchaseWithMpesa)
			r.Get("/purchases", purchaseService.ListPurchases)

			// Consultation endpoints
			r.Get("/consultations", consultationService.ListConsultations)
			r.Post("/consultations", consultationService.BookConsultation)
			r.Post("/consultations/{consultationID}/cancel", consultationService.CancelConsultation)
			r.Post("/consultations/{consultationID}/start", consultationService.StartSession)
			r.Post("/consultations/{consultationID}/complete", consultationService.CompleteSession)
			r.Post("/consultations/{consultationID}/no-show", consultationService.MarkNoShow)
			r.Get("/consultations/{consultationID}/qr", meetingQRHandler.MeetingQR)
			r.Post("/consultations/{consultationID}/checkin", meetingQRHandler.GenerateCheckIn)
			r.Post("/consultations/checkin/consume", meetingQRHandler.ConsumeCheckIn)
			r.Post("/consultations/transcribe", transcriptionService.TranscribeSession)
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
