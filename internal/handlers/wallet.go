package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlement-core/internal/middleware"
	"settlement-core/internal/models"
	"settlement-core/internal/services"
)

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (r amountRequest) validate() error {
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", services.ErrInvalidAmount)
	}
	if !r.Amount.Equal(r.Amount.Truncate(models.LedgerScale)) {
		return fmt.Errorf("%w: amount has more than %d decimal places", services.ErrInvalidAmount, models.LedgerScale)
	}
	return nil
}

type WalletHandler struct {
	ledger  *services.Ledger
	monitor *services.DepositMonitor
	log     *zap.Logger
}

func NewWalletHandler(ledger *services.Ledger, monitor *services.DepositMonitor, log *zap.Logger) *WalletHandler {
	return &WalletHandler{
		ledger:  ledger,
		monitor: monitor,
		log:     log,
	}
}

func (h *WalletHandler) GetBalance(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	user, err := h.ledger.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":           user.UserID,
		"balance":           user.Balance,
		"custodial_address": user.CustodialAddress,
		"external_address":  user.ExternalAddress,
	})
}

// SimulateDeposit credits a deposit without an on-chain transfer.
func (h *WalletHandler) SimulateDeposit(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, badRequest(err))
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, h.log, err)
		return
	}

	ref, err := h.monitor.SimulateDeposit(c.Request.Context(), userID, req.Amount)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	balance, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"reference": ref,
		"amount":    req.Amount,
		"balance":   balance,
	})
}

// Cashout debits the balance towards the user's external address. Moving
// the funds on chain happens outside this service.
func (h *WalletHandler) Cashout(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, badRequest(err))
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, h.log, err)
		return
	}

	user, err := h.ledger.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	balance, err := h.ledger.Debit(c.Request.Context(), userID, services.Posting{
		Kind:        models.TransactionCashout,
		Amount:      req.Amount,
		Description: fmt.Sprintf("cashout to %s", user.ExternalAddress),
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.log.Info("cashout requested",
		zap.String("user_id", userID),
		zap.String("amount", req.Amount.String()),
		zap.String("destination", user.ExternalAddress),
	)

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"amount":      req.Amount,
		"destination": user.ExternalAddress,
		"balance":     balance,
	})
}

func (h *WalletHandler) GetTransactions(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 50
	}

	txs, err := h.ledger.Transactions(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}
