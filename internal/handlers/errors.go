package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"settlement-core/internal/middleware"
	"settlement-core/internal/oracle"
	"settlement-core/internal/services"
)

var errBadRequest = errors.New("invalid request")

// publicFailures are internal errors whose message is safe to return.
var publicFailures = []error{
	oracle.ErrFeeUnavailable,
	oracle.ErrTimeout,
	oracle.ErrCancelled,
	services.ErrUserFrozen,
	services.ErrLedgerInconsistency,
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", errBadRequest, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, services.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, services.ErrInsufficientBalance),
		errors.Is(err, services.ErrInvalidSessionState),
		errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidGameConfig),
		errors.Is(err, oracle.ErrInsufficientFee):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondError writes the {error, status} body for err. Internal failures
// are logged and only sentinel messages reach the client.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()

	if status == http.StatusInternalServerError {
		msg = "internal server error"
		for _, e := range publicFailures {
			if errors.Is(err, e) {
				msg = e.Error()
				break
			}
		}
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("user_id", c.GetString(middleware.ContextUserID)),
			zap.Error(err),
		)
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "status": status})
}
