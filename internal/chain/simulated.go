package chain

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimulatedSource is an in-memory chain for development. Every call to Head
// mines one block; transfers are injected with Send.
type SimulatedSource struct {
	mu        sync.Mutex
	head      uint64
	transfers []Transfer
}

func NewSimulatedSource() *SimulatedSource {
	return &SimulatedSource{}
}

func (s *SimulatedSource) Name() string { return "simulated" }

func (s *SimulatedSource) Head(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head++
	return s.head, nil
}

// Send records a transfer in the next block and returns it.
func (s *SimulatedSource) Send(to string, amount decimal.Decimal) Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Transfer{
		TxHash: "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		To:     to,
		Amount: amount,
		Block:  s.head + 1,
	}
	s.transfers = append(s.transfers, t)
	return t
}

func (s *SimulatedSource) Transfers(ctx context.Context, address string, from, to uint64) ([]Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transfer
	for _, t := range s.transfers {
		if t.Block >= from && t.Block <= to && strings.EqualFold(t.To, address) {
			out = append(out, t)
		}
	}
	return out, nil
}
