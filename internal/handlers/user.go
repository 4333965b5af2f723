package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"settlement-core/internal/middleware"
	"settlement-core/internal/services"
)

type UserHandler struct {
	ledger   *services.Ledger
	sessions *services.SessionManager
	log      *zap.Logger
}

func NewUserHandler(ledger *services.Ledger, sessions *services.SessionManager, log *zap.Logger) *UserHandler {
	return &UserHandler{
		ledger:   ledger,
		sessions: sessions,
		log:      log,
	}
}

func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	user, err := h.ledger.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	active, err := h.sessions.Active(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	body := gin.H{
		"user":   user,
		"frozen": h.ledger.IsFrozen(userID),
	}
	if active != nil {
		body["active_session"] = gin.H{
			"id":         active.ID,
			"game":       active.Kind,
			"expires_at": active.ExpiresAt,
		}
	}
	c.JSON(http.StatusOK, body)
}
