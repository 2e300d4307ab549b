package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter implements rate limiting for API endpoints. The cheap per-IP
// limiter shields the whole surface; the per-user limiter sits in front of
// the upload endpoint, ahead of the daily quota enforced in the service.
type RateLimiter struct {
	ipLimiters      map[string]*rate.Limiter
	uploadLimiters  map[string]*rate.Limiter
	ipMutex         sync.RWMutex
	uploadMutex     sync.RWMutex
	ipLimiterRate   rate.Limit
	uploadRate      rate.Limit
	ipBurst         int
	uploadBurst     int
	cleanupTicker   *time.Ticker
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(ipRequestsPerSecond float64, ipBurst int, uploadsPerMinute float64, uploadBurst int) *RateLimiter {
	limiter := &RateLimiter{
		ipLimiters:     make(map[string]*rate.Limiter),
		uploadLimiters: make(map[string]*rate.Limiter),
		ipLimiterRate:  rate.Limit(ipRequestsPerSecond),
		uploadRate:     rate.Limit(uploadsPerMinute / 60),
		ipBurst:        ipBurst,
		uploadBurst:    uploadBurst,
		cleanupTicker:  time.NewTicker(5 * time.Minute),
	}

	go limiter.cleanup()

	return limiter
}

// cleanup periodically drops idle limiters to prevent memory leaks
func (rl *RateLimiter) cleanup() {
	for range rl.cleanupTicker.C {
		rl.ipMutex.Lock()
		rl.ipLimiters = make(map[string]*rate.Limiter)
		rl.ipMutex.Unlock()

		rl.uploadMutex.Lock()
		rl.uploadLimiters = make(map[string]*rate.Limiter)
		rl.uploadMutex.Unlock()
	}
}

// Stop stops the rate limiter cleanup
func (rl *RateLimiter) Stop() {
	rl.cleanupTicker.Stop()
}

// getIPLimiter returns the rate limiter for an IP
func (rl *RateLimiter) getIPLimiter(ip string) *rate.Limiter {
	rl.ipMutex.RLock()
	limiter, exists := rl.ipLimiters[ip]
	rl.ipMutex.RUnlock()

	if !exists {
		rl.ipMutex.Lock()
		limiter = rate.NewLimiter(rl.ipLimiterRate, rl.ipBurst)
		rl.ipLimiters[ip] = limiter
		rl.ipMutex.Unlock()
	}

	return limiter
}

// getUploadLimiter returns the rate limiter for one uploader
func (rl *RateLimiter) getUploadLimiter(key string) *rate.Limiter {
	rl.uploadMutex.RLock()
	limiter, exists := rl.uploadLimiters[key]
	rl.uploadMutex.RUnlock()

	if !exists {
		rl.uploadMutex.Lock()
		limiter = rate.NewLimiter(rl.uploadRate, rl.uploadBurst)
		rl.uploadLimiters[key] = limiter
		rl.uploadMutex.Unlock()
	}

	return limiter
}

// IPRateLimiterMiddleware limits requests based on IP address
func (rl *RateLimiter) IPRateLimiterMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := rl.getIPLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// UploadRateLimiterMiddleware limits submission uploads per authenticated
// user, falling back to the client IP before authentication has run.
func (rl *RateLimiter) UploadRateLimiterMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if userID, ok := UserID(c); ok {
			key = userID.String()
		}

		limiter := rl.getUploadLimiter(key)
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "too many uploads, please slow down",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
