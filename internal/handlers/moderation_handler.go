package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/middleware"
	"github.com/greenloop/backend/internal/services/submission"
)

// ModerationHandler serves the human review workflow. All routes behind it
// require the moderate capability.
type ModerationHandler struct {
	submissions *submission.SubmissionService
}

// NewModerationHandler creates a new moderation handler
func NewModerationHandler(submissions *submission.SubmissionService) *ModerationHandler {
	return &ModerationHandler{submissions: submissions}
}

// Queue lists submissions awaiting a decision, oldest first
func (h *ModerationHandler) Queue(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	submissions, total, err := h.submissions.ListModerationQueue(c.Request.Context(), page, pageSize)
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

// Detail returns one submission with its event trail and duplicate hints
func (h *ModerationHandler) Detail(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission ID"})
		return
	}

	detail, err := h.submissions.GetModerationDetail(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

// Approve accepts a reviewed submission and credits the award
func (h *ModerationHandler) Approve(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission ID"})
		return
	}

	var input struct {
		Note string `json:"note"`
	}
	// The note is optional; an empty body is fine
	_ = c.ShouldBindJSON(&input)

	sub, err := h.submissions.Approve(c.Request.Context(), id, actorID, input.Note)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

// Reject declines a reviewed submission. A reason is mandatory.
func (h *ModerationHandler) Reject(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission ID"})
		return
	}

	var input struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sub, err := h.submissions.Reject(c.Request.Context(), id, actorID, input.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}
