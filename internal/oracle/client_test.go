package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeProvider lets tests decide when and what gets revealed.
type fakeProvider struct {
	mu        sync.Mutex
	fee       *big.Int
	feeErr    error
	nextSeq   uint64
	submitted int
	reveals   []Reveal
}

func (f *fakeProvider) Fee(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	return f.fee, nil
}

func (f *fakeProvider) Submit(ctx context.Context, fee *big.Int) (Acceptance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	f.submitted++
	return Acceptance{SequenceID: f.nextSeq, Block: 10, Fee: fee}, nil
}

func (f *fakeProvider) Reveals(ctx context.Context, fromBlock uint64) ([]Reveal, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Reveal
	for _, rv := range f.reveals {
		if rv.Block >= fromBlock {
			out = append(out, rv)
		}
	}
	return out, fromBlock, nil
}

func (f *fakeProvider) reveal(rv Reveal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reveals = append(f.reveals, rv)
}

func newTestClient(p Provider, timeout time.Duration) *Client {
	return NewClient(p, Config{
		Timeout:      timeout,
		PollInterval: 5 * time.Millisecond,
		FeeBudget:    big.NewInt(100),
	}, zap.NewNop(), nil)
}

func TestDrawWithSimulatedProvider(t *testing.T) {
	c := newTestClient(NewSimulatedProvider(big.NewInt(10), 2), time.Second)

	first, err := c.Draw(context.Background())
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	second, err := c.Draw(context.Background())
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	if first == second {
		t.Error("expected independent values")
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending requests, got %d", c.Pending())
	}
}

func TestOnlyFirstRevealIsHonoured(t *testing.T) {
	p := &fakeProvider{fee: big.NewInt(1)}
	c := newTestClient(p, time.Second)

	req, err := c.Request(context.Background(), big.NewInt(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	p.reveal(Reveal{SequenceID: req.SequenceID + 1, Value: [32]byte{9}, Block: 11})
	p.reveal(Reveal{SequenceID: req.SequenceID, Value: [32]byte{1}, Block: 11})
	p.reveal(Reveal{SequenceID: req.SequenceID, Value: [32]byte{2}, Block: 12})

	value, err := c.Wait(context.Background(), req)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if value != ([32]byte{1}) {
		t.Errorf("expected first reveal, got %x", value[:1])
	}
	if c.resolve(Reveal{SequenceID: req.SequenceID, Value: [32]byte{3}}) {
		t.Error("duplicate reveal must not resolve again")
	}
}

func TestTimeoutReleasesRecord(t *testing.T) {
	p := &fakeProvider{fee: big.NewInt(1)}
	c := newTestClient(p, 40*time.Millisecond)

	req, err := c.Request(context.Background(), big.NewInt(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := c.Wait(context.Background(), req); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected record released, %d pending", c.Pending())
	}

	// A late result must not resurrect the request.
	if c.resolve(Reveal{SequenceID: req.SequenceID, Value: [32]byte{7}}) {
		t.Fatal("late reveal resolved a timed out request")
	}
	if _, err := c.Wait(context.Background(), req); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected handle to stay timed out, got %v", err)
	}
}

func TestFeeErrors(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		budget   *big.Int
		want     error
	}{
		{"fee unavailable", &fakeProvider{feeErr: errors.New("rpc down")}, big.NewInt(100), ErrFeeUnavailable},
		{"budget below fee", &fakeProvider{fee: big.NewInt(50)}, big.NewInt(49), ErrInsufficientFee},
		{"nil budget", &fakeProvider{fee: big.NewInt(1)}, nil, ErrInsufficientFee},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(tt.provider, time.Second)
			if _, err := c.Request(context.Background(), tt.budget); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if tt.provider.submitted != 0 {
				t.Error("request must not be submitted")
			}
		})
	}
}

func TestWaitCancelled(t *testing.T) {
	p := &fakeProvider{fee: big.NewInt(1)}
	c := newTestClient(p, time.Minute)

	req, err := c.Request(context.Background(), big.NewInt(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Wait(ctx, req); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("expected record released, %d pending", c.Pending())
	}
}
