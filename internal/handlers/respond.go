package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/greenloop/backend/internal/errs"
)

// respondError translates a classified service error into an HTTP response.
// Handlers never branch on error strings; the kind and code carry everything
// the client needs.
func respondError(c *gin.Context, err error) {
	code := errs.CodeOf(err)

	var status int
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status = http.StatusBadRequest
		if code == "rate_limit_exceeded" {
			status = http.StatusTooManyRequests
		}
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindResource:
		status = http.StatusUnprocessableEntity
	case errs.KindForbidden:
		status = http.StatusForbidden
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindTransient:
		status = http.StatusServiceUnavailable
	default:
		log.Printf("Unhandled error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}
