// Package agent defines the actors that transact in an environment.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/evmsim/internal/backend"
	"github.com/gateway-fm/evmsim/internal/broadcast"
	"github.com/gateway-fm/evmsim/internal/environment"
	"github.com/gateway-fm/evmsim/pkg/types"
)

var (
	ErrNotActivated     = errors.New("agent not activated")
	ErrAlreadyActivated = errors.New("agent already activated")
)

// Kinds of agent.
const (
	KindUser  = "user"
	KindAdmin = "admin"
)

// TransactSettings are the defaults applied to every transaction an agent sends.
type TransactSettings struct {
	GasLimit uint64
	GasPrice *big.Int
}

// DefaultSettings matches the block gas limit with free gas.
func DefaultSettings() TransactSettings {
	return TransactSettings{GasLimit: backend.DefaultGasLimit, GasPrice: new(big.Int)}
}

// Agent is the capability set every agent variant provides.
type Agent interface {
	Identity() (name string, addr common.Address)
	TransactSettings() TransactSettings
	// Subscribe returns a fresh subscription to the agent's environment.
	Subscribe() *broadcast.Subscription[types.Block]
	// FilterEvents keeps the logs relevant to the agent.
	FilterEvents(logs []types.LogRecord) []types.LogRecord
}

// Activator is implemented by agents that bind to an environment.
type Activator interface {
	Agent
	Activate(env *environment.Environment) error
}

// AddressFor derives a deterministic address from a name.
func AddressFor(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("evmsim:agent:" + name))[12:])
}

// Info summarises a for status output.
func Info(a Agent) types.AgentInfo {
	name, addr := a.Identity()
	kind := KindUser
	if _, ok := a.(*Admin); ok {
		kind = KindAdmin
	}
	return types.AgentInfo{Name: name, Address: addr, Kind: kind}
}

// base carries identity and environment binding shared by all variants.
type base struct {
	name     string
	address  common.Address
	settings TransactSettings

	mu  sync.RWMutex
	env *environment.Environment
}

func (b *base) Identity() (string, common.Address) {
	return b.name, b.address
}

func (b *base) TransactSettings() TransactSettings {
	s := b.settings
	if s.GasPrice != nil {
		s.GasPrice = new(big.Int).Set(s.GasPrice)
	}
	return s
}

// Activate binds the agent to env. An agent lives in one environment.
func (b *base) Activate(env *environment.Environment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.env != nil {
		return fmt.Errorf("%w: %s in %s", ErrAlreadyActivated, b.name, b.env.Label())
	}
	b.env = env
	return nil
}

// Environment returns the bound environment, or nil.
func (b *base) Environment() *environment.Environment {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.env
}

func (b *base) environment() (*environment.Environment, error) {
	env := b.Environment()
	if env == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotActivated, b.name)
	}
	return env, nil
}

var ended = func() *broadcast.Broadcaster[types.Block] {
	bc := broadcast.New[types.Block](1, nil)
	bc.Close()
	return bc
}()

func (b *base) Subscribe() *broadcast.Subscription[types.Block] {
	env := b.Environment()
	if env == nil {
		return ended.Subscribe()
	}
	return env.Subscribe()
}

func (b *base) SubscribeAll() *broadcast.Subscription[types.Block] {
	env := b.Environment()
	if env == nil {
		return ended.Subscribe()
	}
	return env.SubscribeAll()
}

func (b *base) request(to *common.Address, data []byte, value *big.Int) types.TxRequest {
	s := b.TransactSettings()
	return types.TxRequest{
		Caller:   b.address,
		To:       to,
		Data:     data,
		Value:    value,
		GasLimit: s.GasLimit,
		GasPrice: s.GasPrice,
	}
}

// Transact submits a call to to using the agent's settings.
func (b *base) Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*environment.Pending, error) {
	env, err := b.environment()
	if err != nil {
		return nil, err
	}
	return env.Submit(ctx, b.request(&to, data, value))
}

// Deploy submits init code as a contract creation.
func (b *base) Deploy(ctx context.Context, code []byte) (*environment.Pending, error) {
	env, err := b.environment()
	if err != nil {
		return nil, err
	}
	return env.Submit(ctx, b.request(nil, code, nil))
}

// Call performs a read-only call from the agent.
func (b *base) Call(ctx context.Context, to common.Address, data []byte) (types.ExecutionOutcome, error) {
	env, err := b.environment()
	if err != nil {
		return types.ExecutionOutcome{}, err
	}
	return env.Call(ctx, b.request(&to, data, nil))
}

// Account returns the agent's account as tracked by the backend.
func (b *base) Account(ctx context.Context) (types.AccountInfo, error) {
	env, err := b.environment()
	if err != nil {
		return types.AccountInfo{}, err
	}
	return env.Account(ctx, b.address)
}
