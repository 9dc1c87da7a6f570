package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/census-portal-api/pkg/errors"
	"github.com/noah-isme/census-portal-api/pkg/response"
)

const maxLoginBody = 64 << 10

// Limiter decides whether a keyed request is within quota.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LoginRateLimit throttles login attempts per client IP and username. The
// username is peeked from the JSON body, which is restored for the handler.
// Limiter faults let the request through.
func LoginRateLimit(limiter Limiter, retryAfterSeconds float64, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	retryAfter := strconv.Itoa(int(math.Ceil(retryAfterSeconds)))
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		username := ""
		if c.Request.Body != nil {
			body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxLoginBody))
			if err == nil {
				var payload struct {
					Username string `json:"username"`
				}
				_ = json.Unmarshal(body, &payload)
				username = strings.ToLower(strings.TrimSpace(payload.Username))
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		key := "login:" + c.ClientIP() + ":" + username
		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("login rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", retryAfter)
			response.Error(c, appErrors.Clone(appErrors.ErrRateLimited, "too many login attempts, try again later"))
			c.Abort()
			return
		}
		c.Next()
	}
}
