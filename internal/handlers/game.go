package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlement-core/internal/middleware"
	"settlement-core/internal/models"
	"settlement-core/internal/services"
)

type GameHandler struct {
	sessions *services.SessionManager
	log      *zap.Logger
}

func NewGameHandler(sessions *services.SessionManager, log *zap.Logger) *GameHandler {
	return &GameHandler{
		sessions: sessions,
		log:      log,
	}
}

func (h *GameHandler) StartMines(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req models.MinesStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, badRequest(err))
		return
	}

	session, err := h.sessions.StartMines(c.Request.Context(), userID, req.Amount, req.Blocks, req.Mines)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, models.MinesStartResponse{
		ID:            session.ID,
		Amount:        session.Stake,
		Blocks:        session.Mines.Blocks,
		Mines:         session.Mines.Mines,
		SessionStatus: session.Status,
	})
}

func (h *GameHandler) MoveMines(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req models.MinesMoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, badRequest(err))
		return
	}

	session, err := h.sessions.RevealMines(c.Request.Context(), userID, req.ID, req.Block)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, minesMoveResponse(session))
}

func (h *GameHandler) CashoutMines(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req models.MinesCashoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, badRequest(err))
		return
	}

	session, err := h.sessions.CashoutMines(c.Request.Context(), userID, req.ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, models.MinesCashoutResponse{
		ID:            session.ID,
		Src:           session.Stake,
		FinalPayout:   session.Outcome.Payout,
		Actions:       models.ActionsByMove(session.Mines.Actions),
		BombBlocks:    session.Mines.MinePositions,
		SessionStatus: session.Status,
	})
}

func minesMoveResponse(s *models.GameSession) models.MinesMoveResponse {
	st := s.Mines
	resp := models.MinesMoveResponse{
		ID:            s.ID,
		Actions:       models.ActionsByMove(st.Actions),
		SessionStatus: s.Status,
	}

	if s.IsActive() {
		multiplier := st.Multiplier
		potential := services.MinesPotentialPayout(s)
		resp.CurrentMultiplier = &multiplier
		resp.PotentialPayout = &potential
		resp.CanCashout = st.SafeReveals() > 0
		return resp
	}

	// The layout is only disclosed once nothing is left to play.
	final := s.Outcome.Payout
	resp.FinalPayout = &final
	resp.BombBlocks = st.MinePositions
	if s.Outcome.Won {
		multiplier := st.Multiplier
		resp.CurrentMultiplier = &multiplier
	}
	return resp
}

func (h *GameHandler) StartApex(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req models.ApexStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, badRequest(err))
		return
	}

	session, err := h.sessions.StartApex(c.Request.Context(), userID, req.Amount, req.Option)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, apexStartResponse(session))
}

func apexStartResponse(s *models.GameSession) models.ApexStartResponse {
	st := s.Apex
	resp := models.ApexStartResponse{
		ID:            s.ID,
		Amount:        s.Stake,
		Option:        st.Mode,
		SystemNumber:  st.SystemNumber,
		UserNumber:    st.UserNumber,
		SessionStatus: s.Status,
	}

	if st.Mode == models.ApexBlinder {
		multiplier := services.BlinderMultiplier()
		resp.PayoutPercentage = &multiplier
		if s.Outcome != nil {
			resp.BlinderSuit = &models.BlinderSuit{Won: s.Outcome.Won, Payout: s.Outcome.Payout}
		}
		return resp
	}

	odds := services.ApexChoiceOdds(st.SystemNumber)
	pick := func(choice models.ApexChoice) (*decimal.Decimal, *decimal.Decimal) {
		o := odds[choice]
		return &o.Multiplier, &o.Probability
	}
	resp.PayoutHigh, resp.ProbabilityHigh = pick(models.ChoiceHigh)
	resp.PayoutLow, resp.ProbabilityLow = pick(models.ChoiceLow)
	resp.PayoutEqual, resp.ProbabilityEqual = pick(models.ChoiceEqual)
	return resp
}

func (h *GameHandler) ChooseApex(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req models.ApexChooseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, badRequest(err))
		return
	}

	session, err := h.sessions.ChooseApex(c.Request.Context(), userID, req.ID, req.Choice)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	st := session.Apex
	c.JSON(http.StatusOK, models.ApexChooseResponse{
		ID:            session.ID,
		Choice:        st.Choice,
		UserNumber:    *st.UserNumber,
		SystemNumber:  st.SystemNumber,
		Won:           session.Outcome.Won,
		Payout:        session.Outcome.Payout,
		SessionStatus: session.Status,
	})
}

// ActiveSession returns the caller's Active session with its hidden state
// removed.
func (h *GameHandler) ActiveSession(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	session, err := h.sessions.Active(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}

	body := gin.H{
		"id":             session.ID,
		"game":           session.Kind,
		"amount":         session.Stake,
		"session_status": session.Status,
		"created_at":     session.CreatedAt,
		"expires_at":     session.ExpiresAt,
	}
	switch session.Kind {
	case models.GameMines:
		body["mines"] = minesMoveResponse(session)
	case models.GameApex:
		body["apex"] = apexStartResponse(session)
	}
	c.JSON(http.StatusOK, gin.H{"session": body})
}
