package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"poolScope/internal/derive"
	"poolScope/internal/retry"
)

// Caller is the subset of Client used for read-only calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ReaderConfig controls retries of transient RPC failures.
type ReaderConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// Reader calls integer-returning view methods on pool contracts of one chain.
type Reader struct {
	caller  Caller
	chainID uint64
	cfg     ReaderConfig
	logger  *zap.Logger
}

func NewReader(caller Caller, chainID uint64, cfg ReaderConfig, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{caller: caller, chainID: chainID, cfg: cfg, logger: logger}
}

// ReadContractMethod calls a view method at the latest block. It returns
// nil without error when the contract returns no data (no code at the
// address, or the view is not implemented).
func (r *Reader) ReadContractMethod(ctx context.Context, chainID uint64, contract string, method string, args ...interface{}) (*big.Int, error) {
	if r.caller == nil {
		return nil, retry.Permanent(fmt.Errorf("chain client is nil"))
	}
	if chainID != r.chainID {
		return nil, retry.Permanent(fmt.Errorf("reader is bound to chain %d, got %d", r.chainID, chainID))
	}
	address, err := ParseAddress(contract)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	poolABI, err := PoolABI()
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse pool abi: %w", err))
	}
	data, err := poolABI.Pack(method, args...)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("pack %s: %w", method, err))
	}

	var resp []byte
	msg := ethereum.CallMsg{To: &address, Data: data}
	err = retry.Do(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		resp, err = r.caller.CallContract(ctx, msg, nil)
		if err != nil {
			r.logger.Warn("contract call failed", zap.String("contract", address.Hex()), zap.String("method", method), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(resp) == 0 {
		r.logger.Debug("contract returned no data", zap.String("contract", address.Hex()), zap.String("method", method))
		return nil, nil
	}

	values, err := poolABI.Unpack(method, resp)
	if err != nil {
		return nil, malformedReturn(method, resp, err.Error())
	}
	if len(values) != 1 {
		return nil, malformedReturn(method, resp, fmt.Sprintf("return size %d", len(values)))
	}
	out, err := asBigInt(values[0])
	if err != nil {
		return nil, malformedReturn(method, resp, err.Error())
	}
	return out, nil
}

func malformedReturn(method string, resp []byte, reason string) error {
	return retry.Permanent(&derive.MalformedError{Field: method, Value: hexutil.Encode(resp), Reason: reason})
}

// ParseAddress validates and converts a hex address.
func ParseAddress(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address: %s", input)
	}
	return common.HexToAddress(input), nil
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}
