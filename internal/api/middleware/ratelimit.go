package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apierrors "github.com/neuralcloud/deployd/internal/api/shared/errors"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/metrics"
	"github.com/neuralcloud/deployd/internal/ratelimit"
)

const (
	RATE_LIMIT_REMAINING_HEADER = "X-RateLimit-Remaining"
	RETRY_AFTER_HEADER          = "Retry-After"
)

// RateLimit returns a gin middleware that limits requests per account, or per client IP
// for unauthenticated callers. Limiter errors let the request through.
func RateLimit(limiter ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := Account(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		decision, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logger.WarnCtx(c.Request.Context(), "Rate limiter unavailable, admitting request",
				zap.Error(err),
				zap.String("key", key),
			)
			c.Next()
			return
		}

		c.Header(RATE_LIMIT_REMAINING_HEADER, strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			c.Header(RETRY_AFTER_HEADER, strconv.Itoa(max(retryAfter, 1)))
			metrics.ObserveRateLimited()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": apierrors.NewRateLimitedError("retry after " + decision.RetryAfter.String()),
			})
			return
		}

		c.Next()
	}
}
