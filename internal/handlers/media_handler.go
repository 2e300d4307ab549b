package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/greenloop/backend/internal/storage"
)

// MediaHandler serves locally stored media behind the signed URLs that
// storage.LocalStorage mints. Deployments fronted by an object store with
// its own signed URLs simply never mount this route.
type MediaHandler struct {
	store *storage.LocalStorage
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(store *storage.LocalStorage) *MediaHandler {
	return &MediaHandler{store: store}
}

// Serve validates the signature and streams the object
func (h *MediaHandler) Serve(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	expires := c.Query("expires")
	sig := c.Query("sig")

	if !h.store.VerifySignature(key, expires, sig) {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired link"})
		return
	}

	data, err := h.store.Fetch(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	c.Data(http.StatusOK, contentTypeForKey(key), data)
}

func contentTypeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(key, ".webm"):
		return "video/webm"
	case strings.HasSuffix(key, ".jpg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	}
	return "application/octet-stream"
}
