package models

import "github.com/shopspring/decimal"

type MinesStartRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Blocks int             `json:"blocks" binding:"required"`
	Mines  int             `json:"mines"`
}

type MinesStartResponse struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Blocks        int             `json:"blocks"`
	Mines         int             `json:"mines"`
	SessionStatus SessionStatus   `json:"session_status"`
}

type MinesMoveRequest struct {
	ID    string `json:"id" binding:"required"`
	Block int    `json:"block" binding:"required"`
}

type MinesMoveResponse struct {
	ID                string                `json:"id"`
	Actions           map[string]MoveAction `json:"actions"`
	CurrentMultiplier *decimal.Decimal      `json:"current_multiplier,omitempty"`
	PotentialPayout   *decimal.Decimal      `json:"potential_payout,omitempty"`
	FinalPayout       *decimal.Decimal      `json:"final_payout,omitempty"`
	BombBlocks        []int                 `json:"bomb_blocks,omitempty"`
	CanCashout        bool                  `json:"can_cashout"`
	SessionStatus     SessionStatus         `json:"session_status"`
}

type MinesCashoutRequest struct {
	ID string `json:"id" binding:"required"`
}

type MinesCashoutResponse struct {
	ID            string                `json:"id"`
	Src           decimal.Decimal       `json:"src"`
	FinalPayout   decimal.Decimal       `json:"final_payout"`
	Actions       map[string]MoveAction `json:"actions"`
	BombBlocks    []int                 `json:"bomb_blocks,omitempty"`
	SessionStatus SessionStatus         `json:"session_status"`
}

type ApexStartRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Option ApexMode        `json:"option" binding:"required"`
}

type BlinderSuit struct {
	Won    bool            `json:"won"`
	Payout decimal.Decimal `json:"payout"`
}

type ApexStartResponse struct {
	ID               string           `json:"id"`
	Amount           decimal.Decimal  `json:"amount"`
	Option           ApexMode         `json:"option"`
	SystemNumber     int              `json:"system_number"`
	UserNumber       *int             `json:"user_number,omitempty"`
	PayoutHigh       *decimal.Decimal `json:"payout_high,omitempty"`
	ProbabilityHigh  *decimal.Decimal `json:"probability_high,omitempty"`
	PayoutLow        *decimal.Decimal `json:"payout_low,omitempty"`
	ProbabilityLow   *decimal.Decimal `json:"probability_low,omitempty"`
	PayoutEqual      *decimal.Decimal `json:"payout_equal,omitempty"`
	ProbabilityEqual *decimal.Decimal `json:"probability_equal,omitempty"`
	PayoutPercentage *decimal.Decimal `json:"payout_percentage,omitempty"`
	BlinderSuit      *BlinderSuit     `json:"blinder_suit,omitempty"`
	SessionStatus    SessionStatus    `json:"session_status"`
}

type ApexChooseRequest struct {
	ID     string     `json:"id" binding:"required"`
	Choice ApexChoice `json:"choice" binding:"required"`
}

type ApexChooseResponse struct {
	ID            string          `json:"id"`
	Choice        *ApexChoice     `json:"choice,omitempty"`
	UserNumber    int             `json:"user_number"`
	SystemNumber  int             `json:"system_number"`
	Won           bool            `json:"won"`
	Payout        decimal.Decimal `json:"payout"`
	SessionStatus SessionStatus   `json:"session_status"`
}
