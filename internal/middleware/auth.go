package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"settlement-core/internal/services"
)

// ContextUserID is the gin context key holding the authenticated user id.
const ContextUserID = "user_id"

const AdminSecretHeader = "X-Server-Secret"

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "status": status})
}

func AuthMiddleware(jwtService *services.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				abort(c, http.StatusUnauthorized, "Invalid authorization format")
				return
			}
			tokenString = parts[1]
		} else {
			// Browsers cannot set headers on websocket upgrades.
			tokenString = c.Query("token")
			if tokenString == "" {
				abort(c, http.StatusUnauthorized, "Authorization header required")
				return
			}
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			abort(c, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Next()
	}
}

// AdminGuard admits requests carrying the shared server secret.
func AdminGuard(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminSecretHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			abort(c, http.StatusUnauthorized, "Invalid server secret")
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware applies per-user limits to game-mutating routes. It
// must run after AuthMiddleware.
func RateLimitMiddleware(redisService *services.RedisService, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ContextUserID)
		if userID == "" {
			c.Next()
			return
		}

		path := c.Request.URL.Path

		var action string
		var limit int
		window := time.Minute

		switch {
		case strings.HasSuffix(path, "/start"):
			action, limit = "start", services.DefaultRateLimitStarts
		case strings.HasSuffix(path, "/mines/move"), strings.HasSuffix(path, "/apex/choose"):
			action, limit = "move", services.DefaultRateLimitMoves
		case strings.HasSuffix(path, "/cashout"):
			action, limit = "cashout", services.DefaultRateLimitCashouts
		default:
			c.Next()
			return
		}

		allowed, err := redisService.CheckRateLimit(c.Request.Context(), userID, action, limit, window)
		if err != nil {
			log.Warn("rate limit check failed", zap.String("user_id", userID), zap.Error(err))
		}
		if err != nil || !allowed {
			c.Header("Retry-After", "60")
			abort(c, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		c.Next()
	}
}
