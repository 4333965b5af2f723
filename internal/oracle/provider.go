package oracle

import (
	"context"
	"errors"
	"math/big"
)

var (
	ErrFeeUnavailable  = errors.New("oracle fee unavailable")
	ErrInsufficientFee = errors.New("insufficient oracle fee")
	ErrTimeout         = errors.New("oracle request timed out")
	ErrCancelled       = errors.New("oracle request cancelled")
)

// Acceptance is returned once the provider has durably accepted a request.
type Acceptance struct {
	SequenceID uint64
	Block      uint64
	Fee        *big.Int
}

// Reveal is a result event emitted by the provider.
type Reveal struct {
	SequenceID uint64
	Value      [32]byte
	Block      uint64
}

// Provider is the external randomness service as seen by the client.
type Provider interface {
	// Fee quotes the current price of one request.
	Fee(ctx context.Context) (*big.Int, error)
	// Submit pays fee and blocks until the request is included.
	Submit(ctx context.Context, fee *big.Int) (Acceptance, error)
	// Reveals returns result events from fromBlock onward and the next block to query.
	Reveals(ctx context.Context, fromBlock uint64) ([]Reveal, uint64, error)
}
