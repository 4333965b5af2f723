package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type GameKind string

const (
	GameMines GameKind = "mines"
	GameApex  GameKind = "apex"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "Active"
	SessionEnded  SessionStatus = "Ended"
)

type ApexMode string

const (
	ApexBlinder    ApexMode = "Blinder"
	ApexNonBlinder ApexMode = "NonBlinder"
)

type ApexChoice string

const (
	ChoiceHigh  ApexChoice = "High"
	ChoiceLow   ApexChoice = "Low"
	ChoiceEqual ApexChoice = "Equal"
)

// EndReason records which transition ended a session.
type EndReason string

const (
	EndMineHit   EndReason = "mine_hit"
	EndCashout   EndReason = "cashout"
	EndCleared   EndReason = "cleared"
	EndResolved  EndReason = "resolved"
	EndExpired   EndReason = "expired"
	EndAbandoned EndReason = "abandoned"
)

type MoveAction struct {
	Block      int             `json:"block"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Safe       bool            `json:"safe"`
}

type MinesState struct {
	Blocks        int          `json:"blocks"`
	Mines         int          `json:"mines"`
	MinePositions []int        `json:"mine_positions"`
	Revealed      []int        `json:"revealed"`
	Actions       []MoveAction `json:"actions"`

	// Fair odds so far as an exact fraction; the house edge is applied once
	// when Multiplier is derived from it.
	OddsNumerator   decimal.Decimal `json:"odds_numerator"`
	OddsDenominator decimal.Decimal `json:"odds_denominator"`
	Multiplier      decimal.Decimal `json:"multiplier"`
}

// SafeReveals counts revealed cells that were not mines.
func (m *MinesState) SafeReveals() int {
	n := 0
	for _, a := range m.Actions {
		if a.Safe {
			n++
		}
	}
	return n
}

func (m *MinesState) IsRevealed(block int) bool {
	for _, b := range m.Revealed {
		if b == block {
			return true
		}
	}
	return false
}

func (m *MinesState) IsMine(block int) bool {
	for _, b := range m.MinePositions {
		if b == block {
			return true
		}
	}
	return false
}

type ApexState struct {
	Mode         ApexMode    `json:"mode"`
	SystemNumber int         `json:"system_number"`
	UserNumber   *int        `json:"user_number,omitempty"`
	Choice       *ApexChoice `json:"choice,omitempty"`
}

// Outcome is present exactly when a session has Ended.
type Outcome struct {
	Won     bool            `json:"won"`
	Payout  decimal.Decimal `json:"payout"`
	Reason  EndReason       `json:"reason"`
	EndedAt time.Time       `json:"ended_at"`
	// Paid is set once a winning payout has been posted to the ledger.
	Paid    bool            `json:"paid"`
}

type GameSession struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      GameKind        `json:"game_kind"`
	Stake     decimal.Decimal `json:"stake"`
	Status    SessionStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`

	Mines   *MinesState `json:"mines,omitempty"`
	Apex    *ApexState  `json:"apex,omitempty"`
	Outcome *Outcome    `json:"outcome,omitempty"`
}

func (s *GameSession) IsActive() bool {
	return s.Status == SessionActive
}

func (s *GameSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// PayoutPending reports an ended win whose payout is not yet on the ledger.
func (s *GameSession) PayoutPending() bool {
	o := s.Outcome
	return o != nil && o.Won && o.Payout.IsPositive() && !o.Paid
}

// End moves the session to its terminal state. It reports false when the
// session had already ended, in which case nothing changes.
func (s *GameSession) End(won bool, payout decimal.Decimal, reason EndReason, now time.Time) bool {
	if s.Status == SessionEnded {
		return false
	}
	s.Status = SessionEnded
	s.Outcome = &Outcome{
		Won:     won,
		Payout:  payout,
		Reason:  reason,
		EndedAt: now,
	}
	return true
}

// Clone returns a deep copy so stored sessions are never shared with callers.
func (s *GameSession) Clone() *GameSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Mines != nil {
		m := *s.Mines
		m.MinePositions = append([]int(nil), s.Mines.MinePositions...)
		m.Revealed = append([]int(nil), s.Mines.Revealed...)
		m.Actions = append([]MoveAction(nil), s.Mines.Actions...)
		c.Mines = &m
	}
	if s.Apex != nil {
		a := *s.Apex
		if s.Apex.UserNumber != nil {
			n := *s.Apex.UserNumber
			a.UserNumber = &n
		}
		if s.Apex.Choice != nil {
			ch := *s.Apex.Choice
			a.Choice = &ch
		}
		c.Apex = &a
	}
	if s.Outcome != nil {
		o := *s.Outcome
		c.Outcome = &o
	}
	return &c
}
