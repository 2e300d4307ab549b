package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/middleware"
	"github.com/greenloop/backend/internal/models"
	"github.com/greenloop/backend/internal/services/cashout"
)

// CashoutHandler handles cashout-related requests
type CashoutHandler struct {
	cashouts *cashout.CashoutService
}

// NewCashoutHandler creates a new cashout handler
func NewCashoutHandler(cashouts *cashout.CashoutService) *CashoutHandler {
	return &CashoutHandler{cashouts: cashouts}
}

// Create opens a new cashout request, reserving the cash equivalent
func (h *CashoutHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var input struct {
		Points         int64  `json:"points" binding:"required"`
		Method         string `json:"method" binding:"required"`
		DestinationRef string `json:"destination_ref" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	request, err := h.cashouts.Create(c.Request.Context(), userID, input.Points, models.CashoutMethod(input.Method), input.DestinationRef)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, request)
}

// List returns the authenticated user's cashout requests, newest first
func (h *CashoutHandler) List(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	requests, total, err := h.cashouts.ListForUser(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cashouts": requests,
		"pagination": gin.H{
			"total":     total,
			"page":      page,
			"page_size": pageSize,
		},
	})
}

// Get returns one of the user's cashout requests
func (h *CashoutHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cashout ID"})
		return
	}

	request, err := h.cashouts.GetForUser(c.Request.Context(), id, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, request)
}

// Cancel withdraws a pending request and releases the reserved cash
func (h *CashoutHandler) Cancel(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cashout ID"})
		return
	}

	request, err := h.cashouts.Cancel(c.Request.Context(), id, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, request)
}

// Initiate claims a pending request and dispatches the payout. Restricted
// to operators; regular users only create and cancel.
func (h *CashoutHandler) Initiate(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cashout ID"})
		return
	}

	request, err := h.cashouts.Initiate(c.Request.Context(), id, actorID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, request)
}
