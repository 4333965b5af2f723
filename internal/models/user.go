package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a ledger account. Balance is owned by the ledger; every other
// field is fixed at creation.
type User struct {
	UserID           string          `json:"user_id" gorm:"column:user_id;primaryKey;type:varchar(64)"`
	CustodialAddress string          `json:"custodial_address" gorm:"column:custodial_address;type:varchar(128);not null;uniqueIndex"`
	ExternalAddress  string          `json:"external_address" gorm:"column:external_address;type:varchar(128);not null;index"`
	Balance          decimal.Decimal `json:"balance" gorm:"column:balance;type:numeric(38,18);not null"`
	Version          int64           `json:"-" gorm:"column:version;not null;default:0"`
	CreatedAt        time.Time       `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"column:updated_at;not null"`
}

func (User) TableName() string { return "users" }

// MonitoredAddress tracks how far a custodial address has been scanned for
// inbound deposits.
type MonitoredAddress struct {
	Address    string    `json:"address" gorm:"column:address;primaryKey;type:varchar(128)"`
	UserID     string    `json:"user_id" gorm:"column:user_id;type:varchar(64);not null;index"`
	ScanCursor uint64    `json:"scan_cursor" gorm:"column:scan_cursor;not null;default:0"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"column:updated_at;not null"`
}

func (MonitoredAddress) TableName() string { return "monitored_addresses" }
