package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/models"
	"github.com/greenloop/backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testJWTSecret = "test-jwt-secret"

func setupAuthRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	authed := router.Group("/")
	authed.Use(AuthMiddleware(config.JWTConfig{Secret: testJWTSecret}), EnsureUser(db))
	authed.GET("/whoami", func(c *gin.Context) {
		id, _ := UserID(c)
		c.JSON(http.StatusOK, gin.H{"user_id": id, "role": UserRole(c)})
	})

	moderation := authed.Group("/moderation")
	moderation.Use(RequireCapability(models.CapabilityModerate))
	moderation.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router, db
}

func authedRequest(t *testing.T, router *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req, err := http.NewRequest("GET", path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestAuthCreatesLocalUser(t *testing.T) {
	router, db := setupAuthRouter(t)

	userID := uuid.New()
	token, err := utils.GenerateToken(userID, "ada@example.com", "user", testJWTSecret, time.Hour)
	require.NoError(t, err)

	recorder := authedRequest(t, router, "/whoami", token)
	assert.Equal(t, http.StatusOK, recorder.Code)

	// First request from a token mints the local row
	var user models.User
	require.NoError(t, db.First(&user, "id = ?", userID).Error)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, models.RoleUser, user.Role)
	assert.True(t, user.IsActive)

	// Second request reuses it
	recorder = authedRequest(t, router, "/whoami", token)
	assert.Equal(t, http.StatusOK, recorder.Code)
	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAuthRejectsBadTokens(t *testing.T) {
	router, _ := setupAuthRouter(t)

	assert.Equal(t, http.StatusUnauthorized, authedRequest(t, router, "/whoami", "").Code)
	assert.Equal(t, http.StatusUnauthorized, authedRequest(t, router, "/whoami", "not-a-token").Code)

	// Token signed with a different secret
	forged, err := utils.GenerateToken(uuid.New(), "mallory@example.com", "admin", "other-secret", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, authedRequest(t, router, "/whoami", forged).Code)

	// Expired token
	expired, err := utils.GenerateToken(uuid.New(), "late@example.com", "user", testJWTSecret, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, authedRequest(t, router, "/whoami", expired).Code)
}

func TestAuthBlocksDeactivatedUsers(t *testing.T) {
	router, db := setupAuthRouter(t)

	userID := uuid.New()
	token, err := utils.GenerateToken(userID, "gone@example.com", "user", testJWTSecret, time.Hour)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, authedRequest(t, router, "/whoami", token).Code)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", userID).Update("is_active", false).Error)

	assert.Equal(t, http.StatusForbidden, authedRequest(t, router, "/whoami", token).Code)
}

func TestRequireCapability(t *testing.T) {
	router, _ := setupAuthRouter(t)

	plain, err := utils.GenerateToken(uuid.New(), "user@example.com", "user", testJWTSecret, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, authedRequest(t, router, "/moderation/ping", plain).Code)

	moderator, err := utils.GenerateToken(uuid.New(), "mod@example.com", "moderator", testJWTSecret, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, authedRequest(t, router, "/moderation/ping", moderator).Code)

	// An unknown role claim degrades to the least-privileged role
	weird, err := utils.GenerateToken(uuid.New(), "odd@example.com", "superuser", testJWTSecret, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, authedRequest(t, router, "/moderation/ping", weird).Code)
}
