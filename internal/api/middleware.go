package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whisper/randomchat/internal/ratelimit"
)

const userIDKey = "userID"

// authRequired rejects requests without a valid "Bearer <token>" header and
// stores the user id in the context.
func authRequired(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "unauthorized",
				"error": "bearer token required",
			})
			return
		}

		userID, err := tokens.ParseUserID(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "unauthorized",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// rateLimit applies rule per user. Limiter errors fail open.
func (h *Handler) rateLimit(rule ratelimit.Rule) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		userID := currentUser(c)
		if ok, _ := h.limiter.Allow(ctx, userID, rule); ok {
			c.Next()
			return
		}

		retry := int(math.Ceil(h.limiter.RetryAfter(ctx, userID, rule).Seconds()))
		c.Header("Retry-After", strconv.Itoa(retry))
		c.Header("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code":        "rate_limited",
			"error":       "too many requests",
			"retry_after": retry,
		})
	}
}

// requestLogger logs one line per request.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()))
	}
}
