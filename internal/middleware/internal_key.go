package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	apperrors "github.com/zfogg/sidechain/realtime/internal/errors"
	"github.com/zfogg/sidechain/realtime/internal/logger"
)

// InternalKeyHeader carries the shared secret for service-to-service calls
const InternalKeyHeader = "X-Internal-Key"

// RequireInternalKey guards the internal publish API. An empty key refuses
// every request, so the API is closed unless configured.
func RequireInternalKey(key string) gin.HandlerFunc {
	expected := []byte(key)

	return func(c *gin.Context) {
		got := []byte(c.GetHeader(InternalKeyHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			logger.Log.Warn("Internal API call with bad key", logger.WithIP(c.ClientIP()))
			apperrors.Respond(c, apperrors.Forbidden("invalid internal key"))
			return
		}
		c.Next()
	}
}
