package middleware

import (
	"math"
	"net/http"
	"strconv"

	"example.com/backstage/services/orders/internal/api/response"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RateLimit admits requests through limiter keyed by client IP. Rejected
// requests get 429 with a Retry-After header. If the limiter itself fails the
// request is let through.
func RateLimit(limiter ratelimit.Limiter, recorder metrics.Recorder) gin.HandlerFunc {
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	return func(c *gin.Context) {
		clientKey := c.ClientIP()
		decision, err := limiter.Admit(c.Request.Context(), clientKey)

		if err != nil && !errors.Is(err, ratelimit.ErrRateLimitExceeded) {
			recorder.IncrementCounter(metrics.RateLimitErrors)
			log.Warn().Err(err).Str("client_key", clientKey).Msg("Rate limiter unavailable, admitting request")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if err != nil {
			recorder.IncrementCounter(metrics.RateLimitRejected)
			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			log.Warn().Str("client_key", clientKey).Int("retry_after", retryAfter).Msg("Rate limit exceeded")
			response.AbortWithError(c, http.StatusTooManyRequests, "Rate limit exceeded. Try again later.")
			return
		}

		c.Next()
	}
}
