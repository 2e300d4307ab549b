package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/greenloop/backend/internal/errs"
	"github.com/greenloop/backend/internal/geo"
	"github.com/greenloop/backend/internal/models"
	"gorm.io/gorm"
)

// CollectionPointHandler manages the registered drop-off locations. The
// CRUD is thin enough that it talks to gorm directly.
type CollectionPointHandler struct {
	db      *gorm.DB
	matcher *geo.Matcher
}

// NewCollectionPointHandler creates a new collection point handler
func NewCollectionPointHandler(db *gorm.DB, matcher *geo.Matcher) *CollectionPointHandler {
	return &CollectionPointHandler{db: db, matcher: matcher}
}

// ListActive returns the active collection points for clients. When the
// caller supplies coordinates, the response also names the point that
// would accept a capture from there, if any.
func (h *CollectionPointHandler) ListActive(c *gin.Context) {
	var points []models.CollectionPoint
	if err := h.db.WithContext(c.Request.Context()).
		Where("active = ?", true).
		Order("seq asc").
		Find(&points).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load collection points"})
		return
	}

	response := gin.H{"collection_points": points}

	latStr, lngStr := c.Query("lat"), c.Query("lng")
	if latStr != "" && lngStr != "" {
		lat, latErr := strconv.ParseFloat(latStr, 64)
		lng, lngErr := strconv.ParseFloat(lngStr, 64)
		if latErr != nil || lngErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coordinates"})
			return
		}

		match, err := h.matcher.FindNearestActivePoint(c.Request.Context(), lat, lng)
		switch {
		case err == nil:
			response["nearest"] = gin.H{
				"collection_point": match.Point,
				"distance_meters":  match.Distance,
			}
		case errors.Is(err, errs.ErrLocationOutOfRange):
			response["nearest"] = nil
		default:
			respondError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, response)
}

// Create registers a new collection point
func (h *CollectionPointHandler) Create(c *gin.Context) {
	var input struct {
		Name         string  `json:"name" binding:"required"`
		Slug         string  `json:"slug" binding:"required"`
		Latitude     float64 `json:"latitude" binding:"required"`
		Longitude    float64 `json:"longitude" binding:"required"`
		RadiusMeters float64 `json:"radius_meters"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if input.Latitude < -90 || input.Latitude > 90 || input.Longitude < -180 || input.Longitude > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "coordinates out of range"})
		return
	}
	if input.RadiusMeters <= 0 {
		input.RadiusMeters = 100
	}

	point := models.CollectionPoint{
		Name:         input.Name,
		Slug:         slug.Make(input.Slug),
		Latitude:     input.Latitude,
		Longitude:    input.Longitude,
		RadiusMeters: input.RadiusMeters,
		Active:       true,
	}

	// Seq is assigned inside the transaction so concurrent creates cannot
	// collide on the same ordinal.
	err := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&models.CollectionPoint{}).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		point.Seq = maxSeq + 1
		return tx.Create(&point).Error
	})
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "UNIQUE") {
			c.JSON(http.StatusConflict, gin.H{"error": "a collection point with this slug already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create collection point"})
		return
	}

	c.JSON(http.StatusCreated, point)
}

// List returns every collection point, active or not, for operators
func (h *CollectionPointHandler) List(c *gin.Context) {
	var points []models.CollectionPoint
	if err := h.db.WithContext(c.Request.Context()).
		Order("seq asc").
		Find(&points).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load collection points"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"collection_points": points})
}

// Deactivate retires a collection point. Points are never deleted, so
// existing submissions keep their reference.
func (h *CollectionPointHandler) Deactivate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid collection point ID"})
		return
	}

	result := h.db.WithContext(c.Request.Context()).
		Model(&models.CollectionPoint{}).
		Where("id = ?", id).
		Update("active", false)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate collection point"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "collection point not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}
