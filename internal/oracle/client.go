package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"settlement-core/internal/monitoring"
)

type Config struct {
	Timeout      time.Duration
	PollInterval time.Duration
	FeeBudget    *big.Int
}

// Client issues randomness requests and correlates the asynchronous results
// by sequence id. Each outstanding request owns a record in pending until it
// resolves, times out, or is cancelled.
type Client struct {
	provider Provider
	cfg      Config
	log      *zap.Logger
	metrics  *monitoring.Metrics

	mu      sync.Mutex
	pending map[uint64]*Request
}

// Request is a handle on one outstanding draw.
type Request struct {
	SequenceID    uint64
	Fee           *big.Int
	AcceptedBlock uint64
	IssuedAt      time.Time
	Deadline      time.Time

	done  chan struct{}
	once  sync.Once
	value [32]byte
	err   error
}

func NewClient(provider Provider, cfg Config, log *zap.Logger, metrics *monitoring.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		pending:  make(map[uint64]*Request),
	}
}

// Request quotes the fee, submits a paid request and returns once the
// provider has accepted it. The result arrives on the returned handle.
func (c *Client) Request(ctx context.Context, budget *big.Int) (*Request, error) {
	fee, err := c.provider.Fee(ctx)
	if err != nil {
		c.metrics.OracleResult("fee_unavailable")
		return nil, fmt.Errorf("%w: %v", ErrFeeUnavailable, err)
	}
	if budget == nil || budget.Cmp(fee) < 0 {
		c.metrics.OracleResult("insufficient_fee")
		return nil, fmt.Errorf("%w: budget %v below fee %s", ErrInsufficientFee, budget, fee)
	}

	acc, err := c.provider.Submit(ctx, fee)
	if err != nil {
		c.metrics.OracleResult("submit_failed")
		return nil, fmt.Errorf("submit randomness request: %w", err)
	}

	now := time.Now()
	req := &Request{
		SequenceID:    acc.SequenceID,
		Fee:           acc.Fee,
		AcceptedBlock: acc.Block,
		IssuedAt:      now,
		Deadline:      now.Add(c.cfg.Timeout),
		done:          make(chan struct{}),
	}

	c.mu.Lock()
	c.pending[req.SequenceID] = req
	c.mu.Unlock()

	c.log.Debug("randomness request accepted",
		zap.Uint64("sequence_id", req.SequenceID),
		zap.Uint64("block", req.AcceptedBlock),
		zap.String("fee", fee.String()),
	)

	go c.watch(req)
	return req, nil
}

// Draw issues a request with the configured fee budget and waits for it.
func (c *Client) Draw(ctx context.Context) ([32]byte, error) {
	req, err := c.Request(ctx, c.cfg.FeeBudget)
	if err != nil {
		return [32]byte{}, err
	}
	return c.Wait(ctx, req)
}

// Wait blocks until req resolves. If ctx ends first the request is
// cancelled and its record released.
func (c *Client) Wait(ctx context.Context, req *Request) ([32]byte, error) {
	select {
	case <-req.done:
		return req.value, req.err
	case <-ctx.Done():
		if c.release(req.SequenceID, [32]byte{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())) {
			c.metrics.OracleResult("cancelled")
		}
		<-req.done
		return req.value, req.err
	}
}

// Pending reports the number of outstanding requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) watch(req *Request) {
	ctx, cancel := context.WithDeadline(context.Background(), req.Deadline)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	from := req.AcceptedBlock
	for {
		reveals, next, err := c.provider.Reveals(ctx, from)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("poll reveals", zap.Uint64("sequence_id", req.SequenceID), zap.Error(err))
			}
		} else {
			for _, rv := range reveals {
				if c.resolve(rv) {
					c.log.Debug("randomness resolved",
						zap.Uint64("sequence_id", rv.SequenceID),
						zap.Uint64("block", rv.Block),
					)
				}
			}
			if next > from {
				from = next
			}
		}

		select {
		case <-req.done:
			return
		case <-ctx.Done():
			if c.release(req.SequenceID, [32]byte{}, ErrTimeout) {
				c.metrics.OracleResult("timeout")
				c.log.Warn("randomness request timed out", zap.Uint64("sequence_id", req.SequenceID))
			}
			return
		case <-ticker.C:
		}
	}
}

// resolve honours the first reveal for a pending sequence id. Later
// duplicates find no record and are dropped.
func (c *Client) resolve(rv Reveal) bool {
	if c.release(rv.SequenceID, rv.Value, nil) {
		c.metrics.OracleResult("fulfilled")
		return true
	}
	return false
}

func (c *Client) release(seq uint64, value [32]byte, err error) bool {
	c.mu.Lock()
	req, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	req.once.Do(func() {
		req.value = value
		req.err = err
		close(req.done)
	})
	return true
}
