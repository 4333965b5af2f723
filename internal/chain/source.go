package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Transfer is an inbound value movement observed on the external chain.
type Transfer struct {
	TxHash string
	To     string
	Amount decimal.Decimal
	Block  uint64
}

// Source is the external ledger the deposit monitor reconciles against.
type Source interface {
	Name() string
	Head(ctx context.Context) (uint64, error)
	// Transfers returns transfers to address in blocks [from, to].
	Transfers(ctx context.Context, address string, from, to uint64) ([]Transfer, error)
}
