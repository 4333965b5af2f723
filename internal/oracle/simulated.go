package oracle

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
)

// SimulatedProvider stands in for the on-chain contract in development.
// The chain advances one block per Reveals call and every request is
// revealed RevealDelay blocks after it was accepted.
type SimulatedProvider struct {
	mu          sync.Mutex
	fee         *big.Int
	revealDelay uint64
	block       uint64
	nextSeq     uint64
	scheduled   []Reveal
	revealed    []Reveal
}

func NewSimulatedProvider(fee *big.Int, revealDelay uint64) *SimulatedProvider {
	if fee == nil {
		fee = big.NewInt(0)
	}
	return &SimulatedProvider{
		fee:         new(big.Int).Set(fee),
		revealDelay: revealDelay,
		block:       1,
		nextSeq:     1,
	}
}

func (p *SimulatedProvider) Fee(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.fee), nil
}

func (p *SimulatedProvider) Submit(ctx context.Context, fee *big.Int) (Acceptance, error) {
	var value [32]byte
	if _, err := rand.Read(value[:]); err != nil {
		return Acceptance{}, fmt.Errorf("simulated randomness: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if fee.Cmp(p.fee) < 0 {
		return Acceptance{}, fmt.Errorf("fee %s below %s", fee, p.fee)
	}

	seq := p.nextSeq
	p.nextSeq++
	p.scheduled = append(p.scheduled, Reveal{
		SequenceID: seq,
		Value:      value,
		Block:      p.block + p.revealDelay,
	})
	return Acceptance{SequenceID: seq, Block: p.block, Fee: fee}, nil
}

func (p *SimulatedProvider) Reveals(ctx context.Context, fromBlock uint64) ([]Reveal, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.block++
	due := p.scheduled[:0]
	for _, rv := range p.scheduled {
		if rv.Block <= p.block {
			p.revealed = append(p.revealed, rv)
		} else {
			due = append(due, rv)
		}
	}
	p.scheduled = due

	// keep a bounded window of history
	if len(p.revealed) > 4096 {
		p.revealed = append([]Reveal(nil), p.revealed[len(p.revealed)-4096:]...)
	}

	var out []Reveal
	for _, rv := range p.revealed {
		if rv.Block >= fromBlock {
			out = append(out, rv)
		}
	}
	return out, p.block + 1, nil
}
