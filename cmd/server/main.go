package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/database"
	"github.com/greenloop/backend/internal/events"
	"github.com/greenloop/backend/internal/gateway"
	"github.com/greenloop/backend/internal/geo"
	"github.com/greenloop/backend/internal/jobs"
	"github.com/greenloop/backend/internal/media"
	"github.com/greenloop/backend/internal/metrics"
	"github.com/greenloop/backend/internal/queue"
	"github.com/greenloop/backend/internal/routes"
	"github.com/greenloop/backend/internal/services/cashout"
	"github.com/greenloop/backend/internal/services/submission"
	"github.com/greenloop/backend/internal/services/wallet"
	"github.com/greenloop/backend/internal/storage"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Initialize configuration
	cfg := config.LoadConfig()

	// Register Prometheus collectors before anything can increment them
	metrics.Register()

	// Initialize database
	db, err := database.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize Redis client
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid Redis URL: %v", err)
	}
	if cfg.Redis.Password != "" {
		redisOpts.Password = cfg.Redis.Password
	}
	redisOpts.DB = cfg.Redis.DB
	redisClient := redis.NewClient(redisOpts)

	// Test Redis connection
	ctx := context.Background()
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Create Redis-backed queue and distributed lock
	redisQueue := queue.NewRedisQueue(redisClient)
	locker := queue.NewRedisLocker(redisClient)

	// Initialize media storage
	store, err := storage.NewLocalStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize media storage: %v", err)
	}

	// Wire up the payout rails
	gateways := gateway.NewDefaultRegistry(cfg.Gateways)

	// Initialize services
	walletService := wallet.NewWalletService(db)
	submissionService := submission.NewSubmissionService(
		db, cfg.Rewards, geo.NewMatcher(db), store, redisQueue,
		events.NewRecorder(db), walletService)
	cashoutService := cashout.NewCashoutService(
		db, cfg.Cashout, cfg.Rewards, walletService, gateways, redisQueue)

	// Create the worker pool and register all job handlers
	processor := queue.NewProcessor(redisQueue, cfg.Worker.Count, cfg.Worker.JobTimeout, queue.RetryConfig{
		MaxRetries:      cfg.Worker.MaxRetries,
		InitialInterval: cfg.Worker.RetryInitialInterval,
		MaxInterval:     cfg.Worker.RetryMaxInterval,
		Multiplier:      cfg.Worker.RetryMultiplier,
	})
	jobs.RegisterAllJobHandlers(processor, store, submissionService, cashoutService,
		media.NewFFProbe(), media.NewFFMpegExtractor(), locker, cfg.Rewards)

	// Initialize Gin router
	router := gin.Default()

	// Configure CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.FrontendURL},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	// Register routes
	routes.RegisterRoutes(router, db, cfg, submissionService, walletService, cashoutService, store)

	// Start background job processor
	processor.Start()

	// Schedule recurring sweeps
	scheduler := jobs.NewScheduler(submissionService, cashoutService, cfg.Worker, cfg.Cashout)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Start server
	srv := startServer(router, cfg.Server)

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Stop the sweeps first so they cannot enqueue new work, then drain the pool
	scheduler.Stop()
	processor.Stop()

	// Create a deadline to wait for
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Shutdown server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting")
}

// startServer starts the HTTP server
func startServer(router *gin.Engine, cfg config.ServerConfig) *http.Server {
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Server started on port %s", cfg.Port)
	return srv
}
