package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zfogg/sidechain/realtime/internal/auth"
	apperrors "github.com/zfogg/sidechain/realtime/internal/errors"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"go.uber.org/zap"
)

// UserIDKey is the gin context key holding the authenticated user ID
const UserIDKey = "user_id"

// RequireAuth verifies the bearer credential and stores the user ID on the context
func RequireAuth(verifier auth.Verifier, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.CredentialFromRequest(c.Request)
		if token == "" {
			apperrors.Respond(c, apperrors.Unauthorized("missing credential"))
			return
		}

		ctx := c.Request.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		identity, err := verifier.Verify(ctx, token)
		if err != nil {
			logger.Log.Debug("Rejected credential",
				logger.WithIP(c.ClientIP()),
				zap.Error(err),
			)
			apperrors.Respond(c, apperrors.Unauthorized("invalid or expired credential"))
			return
		}

		c.Set(UserIDKey, identity.UserID)
		c.Next()
	}
}
