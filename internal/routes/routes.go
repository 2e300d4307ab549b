package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/geo"
	"github.com/greenloop/backend/internal/handlers"
	"github.com/greenloop/backend/internal/middleware"
	"github.com/greenloop/backend/internal/models"
	"github.com/greenloop/backend/internal/services/cashout"
	"github.com/greenloop/backend/internal/services/submission"
	"github.com/greenloop/backend/internal/services/wallet"
	"github.com/greenloop/backend/internal/storage"
)

// RegisterRoutes configures all API routes
func RegisterRoutes(
	router *gin.Engine,
	db *gorm.DB,
	cfg *config.Config,
	submissionService *submission.SubmissionService,
	walletService *wallet.WalletService,
	cashoutService *cashout.CashoutService,
	store storage.Storage,
) {
	// 20 req/s per IP for the API at large, 6 uploads a minute per user
	rateLimiter := middleware.NewRateLimiter(20, 40, 6, 3)

	// Apply global middleware
	router.Use(middleware.SecureHeadersMiddleware())
	router.Use(rateLimiter.IPRateLimiterMiddleware())

	// Create handlers
	submissionHandler := handlers.NewSubmissionHandler(submissionService, store, cfg.Storage)
	moderationHandler := handlers.NewModerationHandler(submissionService)
	walletHandler := handlers.NewWalletHandler(walletService)
	cashoutHandler := handlers.NewCashoutHandler(cashoutService)
	collectionPointHandler := handlers.NewCollectionPointHandler(db, geo.NewMatcher(db))
	webhookHandler := handlers.NewPayoutWebhookHandler(cashoutService, cfg.Gateways)

	// Health check and metrics
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Signed media links. Only the local backend serves bytes itself; cloud
	// backends hand out their own URLs.
	if local, ok := store.(*storage.LocalStorage); ok {
		router.GET("/media/*key", handlers.NewMediaHandler(local).Serve)
	}

	// Gateway webhooks - no authentication but verified by signature
	router.POST("/webhooks/payouts/:gateway", webhookHandler.Handle)

	// API group
	v1 := router.Group("/api")

	// Public routes
	v1.GET("/collection-points", collectionPointHandler.ListActive)

	// Protected routes - require authentication
	protected := v1.Group("/")
	protected.Use(middleware.AuthMiddleware(cfg.JWT), middleware.EnsureUser(db))
	{
		// Submission routes
		submissions := protected.Group("/submissions")
		{
			submissions.POST("", rateLimiter.UploadRateLimiterMiddleware(), submissionHandler.Create)
			submissions.GET("", submissionHandler.List)
			submissions.GET("/:id", submissionHandler.Get)
			submissions.DELETE("/:id", submissionHandler.Delete)
			submissions.GET("/:id/thumbnail-url", submissionHandler.ThumbnailURL)
		}

		// Wallet routes
		walletGroup := protected.Group("/wallet")
		{
			walletGroup.GET("", walletHandler.GetWallet)
			walletGroup.GET("/entries", walletHandler.GetEntries)
		}

		// Cashout routes
		cashouts := protected.Group("/cashouts")
		{
			cashouts.POST("", cashoutHandler.Create)
			cashouts.GET("", cashoutHandler.List)
			cashouts.GET("/:id", cashoutHandler.Get)
			cashouts.POST("/:id/cancel", cashoutHandler.Cancel)
		}

		// Moderation routes
		moderation := protected.Group("/moderation")
		moderation.Use(middleware.RequireCapability(models.CapabilityModerate))
		{
			moderation.GET("/queue", moderationHandler.Queue)
			moderation.GET("/submissions/:id", moderationHandler.Detail)
			moderation.POST("/submissions/:id/approve", moderationHandler.Approve)
			moderation.POST("/submissions/:id/reject", moderationHandler.Reject)
		}

		// Admin routes
		admin := protected.Group("/admin")
		{
			collectionPoints := admin.Group("/collection-points")
			collectionPoints.Use(middleware.RequireCapability(models.CapabilityManageGeo))
			{
				collectionPoints.POST("", collectionPointHandler.Create)
				collectionPoints.GET("", collectionPointHandler.List)
				collectionPoints.POST("/:id/deactivate", collectionPointHandler.Deactivate)
			}

			adminCashouts := admin.Group("/cashouts")
			adminCashouts.Use(middleware.RequireCapability(models.CapabilityInitiatePayouts))
			{
				adminCashouts.POST("/:id/initiate", cashoutHandler.Initiate)
			}

			adminWallets := admin.Group("/wallets")
			adminWallets.Use(middleware.RequireCapability(models.CapabilityInspectAnyWallet))
			{
				adminWallets.GET("/:user_id", walletHandler.InspectWallet)
			}
		}
	}
}
