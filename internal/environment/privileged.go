package environment

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmsim/internal/backend"
	"github.com/gateway-fm/evmsim/pkg/types"
)

// Deal sets the balance of addr. It bypasses transaction semantics and is
// not reachable through Submit.
func (e *Environment) Deal(ctx context.Context, addr common.Address, amount *big.Int) error {
	return e.do(ctx, func(b backend.Backend) error {
		if err := b.SetBalance(addr, amount); err != nil {
			return err
		}
		e.dirty = true
		return nil
	})
}

// DeployAt installs runtime code at a fixed address.
func (e *Environment) DeployAt(ctx context.Context, addr common.Address, code []byte) error {
	return e.do(ctx, func(b backend.Backend) error {
		if err := b.DeployAt(addr, code); err != nil {
			return err
		}
		e.dirty = true
		return nil
	})
}

// Account reads the current view of addr, including unsealed changes.
func (e *Environment) Account(ctx context.Context, addr common.Address) (types.AccountInfo, error) {
	var info types.AccountInfo
	err := e.do(ctx, func(b backend.Backend) error {
		info = b.Account(addr)
		return nil
	})
	return info, err
}

// Call executes req read-only against the current state.
func (e *Environment) Call(ctx context.Context, req types.TxRequest) (types.ExecutionOutcome, error) {
	var out types.ExecutionOutcome
	err := e.do(ctx, func(b backend.Backend) error {
		var cerr error
		out, cerr = b.Call(req)
		return cerr
	})
	return out, err
}
