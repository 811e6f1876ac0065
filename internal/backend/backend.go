// Package backend wraps the EVM that owns an environment's world state.
package backend

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmsim/pkg/types"
)

// FactoryAddress is the canonical address used for bootstrap deployments.
var FactoryAddress = common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidValue   = errors.New("invalid value")
	ErrEmptyBytecode  = errors.New("empty bytecode")
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Backend executes transactions against a single world state.
// Implementations are not safe for concurrent use; the owning environment
// serialises every call on its loop goroutine.
type Backend interface {
	// Deploy runs bytecode as init code from caller and reports the created address.
	Deploy(caller common.Address, bytecode []byte, value *big.Int) (types.ExecutionOutcome, error)
	// DeployAt installs runtime code at a fixed address without executing it.
	DeployAt(addr common.Address, code []byte) error
	// Execute applies one transaction. Reverts are reported in the outcome.
	Execute(req types.TxRequest) (types.ExecutionOutcome, error)
	// Call executes req and discards every state change.
	Call(req types.TxRequest) (types.ExecutionOutcome, error)
	// SetBalance overwrites an account balance.
	SetBalance(addr common.Address, amount *big.Int) error
	Account(addr common.Address) types.AccountInfo
	BlockNumber() uint64
	// Seal commits the open block and returns it with the logs it produced.
	Seal() (types.Block, error)
}

// ParseAddress decodes a 0x-prefixed hex address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// ParseValue decodes a decimal or 0x-prefixed hex amount. Empty means zero.
func ParseValue(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	if err := checkValue(v); err != nil {
		return nil, err
	}
	return v, nil
}

func checkValue(v *big.Int) error {
	if v == nil {
		return nil
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: negative amount %s", ErrInvalidValue, v)
	}
	if v.Cmp(maxUint256) > 0 {
		return fmt.Errorf("%w: %s overflows uint256", ErrInvalidValue, v)
	}
	return nil
}

// ValidateRequest rejects malformed requests before they reach the EVM.
func ValidateRequest(req types.TxRequest) error {
	if req.Caller == (common.Address{}) {
		return fmt.Errorf("%w: zero caller", ErrInvalidAddress)
	}
	if err := checkValue(req.Value); err != nil {
		return err
	}
	if err := checkValue(req.GasPrice); err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	if req.IsDeploy() && len(req.Data) == 0 {
		return ErrEmptyBytecode
	}
	return nil
}
