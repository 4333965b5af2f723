package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const weiExponent = -18

// maxCachedBlocks bounds the block cache shared by address scans in a cycle.
const maxCachedBlocks = 256

type blockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// EthSource finds native-value transfers by walking blocks over JSON-RPC.
type EthSource struct {
	client blockReader

	mu    sync.Mutex
	cache map[uint64]*types.Block
}

func DialEthSource(rpcURL string) (*EthSource, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return NewEthSource(c), nil
}

func NewEthSource(client blockReader) *EthSource {
	return &EthSource{client: client, cache: make(map[uint64]*types.Block)}
}

func (s *EthSource) Name() string { return "ethereum" }

func (s *EthSource) Head(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

func (s *EthSource) Transfers(ctx context.Context, address string, from, to uint64) ([]Transfer, error) {
	var out []Transfer
	for n := from; n <= to; n++ {
		block, err := s.block(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", n, err)
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || tx.Value().Sign() <= 0 {
				continue
			}
			if !strings.EqualFold(tx.To().Hex(), address) {
				continue
			}
			out = append(out, Transfer{
				TxHash: tx.Hash().Hex(),
				To:     tx.To().Hex(),
				Amount: WeiToDecimal(tx.Value()),
				Block:  n,
			})
		}
	}
	return out, nil
}

func (s *EthSource) block(ctx context.Context, n uint64) (*types.Block, error) {
	s.mu.Lock()
	if b, ok := s.cache[n]; ok {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	b, err := s.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.cache) >= maxCachedBlocks {
		for k := range s.cache {
			if k < n {
				delete(s.cache, k)
			}
		}
	}
	s.cache[n] = b
	s.mu.Unlock()
	return b, nil
}

func WeiToDecimal(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, weiExponent)
}
