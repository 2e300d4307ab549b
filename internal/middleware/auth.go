package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/models"
	"github.com/greenloop/backend/internal/utils"
	"gorm.io/gorm"
)

// AuthMiddleware verifies JWT tokens and adds user info to context
func AuthMiddleware(cfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)

		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization token required"})
			c.Abort()
			return
		}

		claims, err := utils.ValidateToken(tokenString, cfg.Secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("role", models.ParseRole(claims.Role))

		c.Next()
	}
}

// EnsureUser anchors the authenticated identity to a local user row.
// Accounts are minted by the external auth service, so the first request
// from a new user creates the row on the fly.
func EnsureUser(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization token required"})
			c.Abort()
			return
		}

		user := models.User{
			ID:       userID,
			Email:    c.GetString("email"),
			Role:     UserRole(c),
			IsActive: true,
		}
		if err := db.Where("id = ?", userID).FirstOrCreate(&user).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve user"})
			c.Abort()
			return
		}
		if !user.IsActive {
			c.JSON(http.StatusForbidden, gin.H{"error": "Account is deactivated"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireCapability rejects requests whose role does not grant the
// capability. Runs after AuthMiddleware.
func RequireCapability(capability models.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !UserRole(c).Has(capability) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// UserID returns the authenticated user's id from the request context.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	value, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, false
	}
	id, ok := value.(uuid.UUID)
	return id, ok
}

// UserRole returns the authenticated user's role, defaulting to the
// least-privileged one.
func UserRole(c *gin.Context) models.Role {
	value, exists := c.Get("role")
	if !exists {
		return models.RoleUser
	}
	role, ok := value.(models.Role)
	if !ok {
		return models.RoleUser
	}
	return role
}

// extractToken gets the token from the Authorization header
func extractToken(c *gin.Context) string {
	bearerToken := c.GetHeader("Authorization")
	if len(strings.Split(bearerToken, " ")) == 2 {
		return strings.Split(bearerToken, " ")[1]
	}
	return ""
}
