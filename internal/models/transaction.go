package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	TransactionDeposit    TransactionKind = "deposit"
	TransactionGameStake  TransactionKind = "game_stake"
	TransactionGameWin    TransactionKind = "game_win"
	TransactionGameRefund TransactionKind = "game_refund"
	TransactionCashout    TransactionKind = "cashout"
)

// LedgerTransaction is an append-only ledger row. Amount is the signed
// effect on the user's balance.
type LedgerTransaction struct {
	ID                string          `json:"id" gorm:"column:id;primaryKey;type:varchar(64)"`
	UserID            string          `json:"user_id" gorm:"column:user_id;type:varchar(64);not null;index:idx_game_transactions_user_created,priority:1"`
	Kind              TransactionKind `json:"transaction_type" gorm:"column:transaction_type;type:varchar(32);not null"`
	Amount            decimal.Decimal `json:"amount" gorm:"column:amount;type:numeric(38,18);not null"`
	BalanceAfter      decimal.Decimal `json:"balance_after" gorm:"column:balance_after;type:numeric(38,18);not null"`
	GameType          string          `json:"game_type,omitempty" gorm:"column:game_type;type:varchar(16)"`
	GameSessionID     *string         `json:"game_session_id,omitempty" gorm:"column:game_session_id;type:varchar(64);index"`
	ExternalReference *string         `json:"external_reference,omitempty" gorm:"column:external_reference;type:varchar(191);uniqueIndex"`
	Description       string          `json:"description" gorm:"column:description;type:text"`
	CreatedAt         time.Time       `json:"created_at" gorm:"column:created_at;not null;index:idx_game_transactions_user_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "game_transactions" }
