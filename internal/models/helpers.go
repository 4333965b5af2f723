package models

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerScale is the number of decimal places balances are kept at.
const LedgerScale = 8

func NewSessionID() string {
	return uuid.NewString()
}

func NewTransactionID() string {
	return fmt.Sprintf("tx_%s", uuid.NewString())
}

// RoundPayout truncates an amount to ledger precision so computed payouts
// never exceed their exact value.
func RoundPayout(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundDown(LedgerScale)
}

// ActionsByMove keys a move history the way clients expect: move_1, move_2, ...
func ActionsByMove(actions []MoveAction) map[string]MoveAction {
	out := make(map[string]MoveAction, len(actions))
	for i, a := range actions {
		out[fmt.Sprintf("move_%d", i+1)] = a
	}
	return out
}
