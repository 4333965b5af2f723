package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"settlement-core/internal/services"
)

// AdminHandler serves operator endpoints behind the server secret.
type AdminHandler struct {
	ledger  *services.Ledger
	monitor *services.DepositMonitor
	jwt     *services.JWTService
	log     *zap.Logger
}

func NewAdminHandler(ledger *services.Ledger, monitor *services.DepositMonitor, jwt *services.JWTService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		ledger:  ledger,
		monitor: monitor,
		jwt:     jwt,
		log:     log,
	}
}

type createUserRequest struct {
	ExternalAddress string `json:"external_address" binding:"required"`
}

type tokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type adminDepositRequest struct {
	UserID string `json:"user_id" binding:"required"`
	amountRequest
}

func (h *AdminHandler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, badRequest(err))
		return
	}

	scanFrom := h.monitor.StartCursor(c.Request.Context())
	user, err := h.ledger.CreateUser(c.Request.Context(), req.ExternalAddress, scanFrom)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	token, expires, err := h.jwt.GenerateToken(user.UserID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":       user,
		"token":      token,
		"expires_at": expires,
	})
}

func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, badRequest(err))
		return
	}

	if _, err := h.ledger.GetUser(c.Request.Context(), req.UserID); err != nil {
		respondError(c, h.log, err)
		return
	}

	token, expires, err := h.jwt.GenerateToken(req.UserID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expires,
	})
}

func (h *AdminHandler) MonitorStatus(c *gin.Context) {
	status, err := h.monitor.Status(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ScanNow runs a deposit cycle immediately. Per-address failures are
// reported alongside the cycle result.
func (h *AdminHandler) ScanNow(c *gin.Context) {
	result, err := h.monitor.ScanNow(c.Request.Context())
	if err != nil && result == nil {
		respondError(c, h.log, err)
		return
	}

	body := gin.H{"result": result}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// ForceDeposit credits a deposit for any user, as operators do when a
// transfer was confirmed out of band.
func (h *AdminHandler) ForceDeposit(c *gin.Context) {
	var req adminDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, badRequest(err))
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, h.log, err)
		return
	}

	ref, err := h.monitor.SimulateDeposit(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"user_id":   req.UserID,
		"reference": ref,
		"amount":    req.Amount,
	})
}

func (h *AdminHandler) Reconcile(c *gin.Context) {
	result, err := h.ledger.Reconcile(c.Request.Context(), c.Param("user_id"))
	if errors.Is(err, services.ErrLedgerInconsistency) {
		h.log.Error("reconcile found inconsistency", zap.String("user_id", c.Param("user_id")))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  err.Error(),
			"status": http.StatusInternalServerError,
			"result": result,
		})
		return
	}
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AdminHandler) Unfreeze(c *gin.Context) {
	userID := c.Param("user_id")
	if err := h.ledger.Unfreeze(c.Request.Context(), userID); err != nil {
		if errors.Is(err, services.ErrLedgerInconsistency) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": http.StatusConflict})
			return
		}
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "frozen": false})
}
