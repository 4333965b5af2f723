package oracle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// randomnessABI is the subset of the provider contract the service uses.
const randomnessABI = `[
	{"type":"function","name":"getFee","stateMutability":"view","inputs":[],"outputs":[{"name":"fee","type":"uint128"}]},
	{"type":"function","name":"requestRandom","stateMutability":"payable","inputs":[{"name":"userRandomNumber","type":"bytes32"}],"outputs":[{"name":"sequenceNumber","type":"uint64"}]},
	{"type":"event","name":"RandomRequested","anonymous":false,"inputs":[{"name":"sequenceNumber","type":"uint64","indexed":true},{"name":"requester","type":"address","indexed":true}]},
	{"type":"event","name":"RandomRevealed","anonymous":false,"inputs":[{"name":"sequenceNumber","type":"uint64","indexed":true},{"name":"randomNumber","type":"bytes32","indexed":false}]}
]`

// Backend is the chain access EthProvider needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BlockNumber(ctx context.Context) (uint64, error)
}

type EthConfig struct {
	RPCURL     string
	Contract   string
	PrivateKey string
	ChainID    int64
}

// EthProvider talks to an on-chain randomness contract.
type EthProvider struct {
	backend  Backend
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	auth     *bind.TransactOpts

	requestedID common.Hash
	revealedID  common.Hash
}

func DialEthProvider(cfg EthConfig) (*EthProvider, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return NewEthProvider(client, cfg)
}

func NewEthProvider(backend Backend, cfg EthConfig) (*EthProvider, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.Contract)
	}
	parsed, err := abi.JSON(strings.NewReader(randomnessABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}

	address := common.HexToAddress(cfg.Contract)
	return &EthProvider{
		backend:     backend,
		address:     address,
		abi:         parsed,
		contract:    bind.NewBoundContract(address, parsed, backend, backend, backend),
		auth:        auth,
		requestedID: parsed.Events["RandomRequested"].ID,
		revealedID:  parsed.Events["RandomRevealed"].ID,
	}, nil
}

func (p *EthProvider) Fee(ctx context.Context) (*big.Int, error) {
	var out []interface{}
	if err := p.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getFee"); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getFee returned %d values", len(out))
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getFee returned %T", out[0])
	}
	return fee, nil
}

func (p *EthProvider) Submit(ctx context.Context, fee *big.Int) (Acceptance, error) {
	var commitment [32]byte
	if _, err := rand.Read(commitment[:]); err != nil {
		return Acceptance{}, fmt.Errorf("commitment: %w", err)
	}

	opts := *p.auth
	opts.Context = ctx
	opts.Value = new(big.Int).Set(fee)

	tx, err := p.contract.Transact(&opts, "requestRandom", commitment)
	if err != nil {
		return Acceptance{}, fmt.Errorf("requestRandom: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, p.backend, tx)
	if err != nil {
		return Acceptance{}, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Acceptance{}, fmt.Errorf("request %s reverted", tx.Hash().Hex())
	}

	seq, err := p.sequenceFromReceipt(receipt)
	if err != nil {
		return Acceptance{}, err
	}
	return Acceptance{
		SequenceID: seq,
		Block:      receipt.BlockNumber.Uint64(),
		Fee:        fee,
	}, nil
}

func (p *EthProvider) Reveals(ctx context.Context, fromBlock uint64) ([]Reveal, uint64, error) {
	head, err := p.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fromBlock, err
	}
	if fromBlock > head {
		return nil, fromBlock, nil
	}

	logs, err := p.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{p.address},
		Topics:    [][]common.Hash{{p.revealedID}},
	})
	if err != nil {
		return nil, fromBlock, err
	}

	reveals := make([]Reveal, 0, len(logs))
	for _, l := range logs {
		if l.Removed || len(l.Topics) < 2 {
			continue
		}
		values, err := p.abi.Unpack("RandomRevealed", l.Data)
		if err != nil || len(values) != 1 {
			continue
		}
		value, ok := values[0].([32]byte)
		if !ok {
			continue
		}
		reveals = append(reveals, Reveal{
			SequenceID: topicUint64(l.Topics[1]),
			Value:      value,
			Block:      l.BlockNumber,
		})
	}
	return reveals, head + 1, nil
}

func (p *EthProvider) sequenceFromReceipt(receipt *types.Receipt) (uint64, error) {
	for _, l := range receipt.Logs {
		if l.Address != p.address || len(l.Topics) < 2 || l.Topics[0] != p.requestedID {
			continue
		}
		return topicUint64(l.Topics[1]), nil
	}
	return 0, errors.New("no RandomRequested event in receipt")
}

func topicUint64(h common.Hash) uint64 {
	return new(big.Int).SetBytes(h.Bytes()).Uint64()
}
