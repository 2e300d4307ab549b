package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/middleware"
	"github.com/greenloop/backend/internal/models"
	"github.com/greenloop/backend/internal/services/submission"
	"github.com/greenloop/backend/internal/storage"
)

// maxUploadBytes caps a single video upload. Oversized media would be
// penalized by the auto-score anyway; this bound just protects the server.
const maxUploadBytes = 200 << 20

// SubmissionHandler handles submission intake and retrieval
type SubmissionHandler struct {
	submissions *submission.SubmissionService
	store       storage.Storage
	urlTTL      time.Duration
}

// NewSubmissionHandler creates a new submission handler
func NewSubmissionHandler(submissions *submission.SubmissionService, store storage.Storage, storageCfg config.StorageConfig) *SubmissionHandler {
	return &SubmissionHandler{
		submissions: submissions,
		store:       store,
		urlTTL:      storageCfg.URLTTL,
	}
}

// Create accepts a multipart upload with the video and its capture metadata
func (h *SubmissionHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	file, header, err := c.Request.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "video file is required"})
		return
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "video exceeds the maximum upload size"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read video upload"})
		return
	}
	if int64(len(data)) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "video exceeds the maximum upload size"})
		return
	}

	lat, err := strconv.ParseFloat(c.PostForm("latitude"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid latitude"})
		return
	}
	lng, err := strconv.ParseFloat(c.PostForm("longitude"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid longitude"})
		return
	}
	recordedAt, err := time.Parse(time.RFC3339, c.PostForm("recorded_at"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recorded_at must be RFC3339"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}

	sub, err := h.submissions.Create(c.Request.Context(), userID, submission.CreateSubmissionInput{
		Video:             data,
		ContentType:       contentType,
		Latitude:          lat,
		Longitude:         lng,
		RecordedAt:        recordedAt,
		DeviceFingerprint: c.PostForm("device_fingerprint"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sub)
}

// List returns the authenticated user's submissions, newest first
func (h *SubmissionHandler) List(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	submissions, total, err := h.submissions.ListForUser(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"submissions": submissions,
		"pagination": gin.H{
			"total":     total,
			"page":      page,
			"page_size": pageSize,
		},
	})
}

// Get returns one submission. Owners see their own; moderators see any.
func (h *SubmissionHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission ID"})
		return
	}

	sub, err := h.loadVisible(c, id, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

// Delete removes a submission that has not been reviewed yet
func (h *SubmissionHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission ID"})
		return
	}

	elevated := middleware.UserRole(c).Has(models.CapabilityModerate)
	if err := h.submissions.Delete(c.Request.Context(), id, userID, elevated); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ThumbnailURL returns a signed, expiring link to the submission's thumbnail
func (h *SubmissionHandler) ThumbnailURL(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission ID"})
		return
	}

	sub, err := h.loadVisible(c, id, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	if sub.ThumbnailKey == nil || *sub.ThumbnailKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no thumbnail available"})
		return
	}

	url, err := h.store.SignedURL(*sub.ThumbnailKey, h.urlTTL)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":        url,
		"expires_in": int(h.urlTTL.Seconds()),
	})
}

// loadVisible fetches a submission applying the visibility rule: owners see
// their own, anyone with the moderate capability sees all.
func (h *SubmissionHandler) loadVisible(c *gin.Context, id, userID uuid.UUID) (*models.Submission, error) {
	if middleware.UserRole(c).Has(models.CapabilityModerate) {
		return h.submissions.Get(c.Request.Context(), id)
	}
	return h.submissions.GetForUser(c.Request.Context(), id, userID)
}
