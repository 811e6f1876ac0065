package agent

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmsim/internal/backend"
	"github.com/gateway-fm/evmsim/internal/contracts"
	"github.com/gateway-fm/evmsim/internal/environment"
	"github.com/gateway-fm/evmsim/pkg/types"
)

func newRunningEnv(t *testing.T) *environment.Environment {
	t.Helper()
	env, err := environment.New("agents", types.EnvironmentParameters{BlockRate: 0, Seed: 7})
	if err != nil {
		t.Fatalf("environment.New() error = %v", err)
	}
	t.Cleanup(func() { _ = env.Stop() })
	if err := env.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return env
}

func TestAddressFor_Deterministic(t *testing.T) {
	if AddressFor("alice") != AddressFor("alice") {
		t.Fatal("AddressFor is not deterministic")
	}
	if AddressFor("alice") == AddressFor("bob") {
		t.Fatal("distinct names share an address")
	}
	if NewAdmin("a").address == NewAdmin("b").address {
		t.Fatal("admins of different environments share an address")
	}
}

func TestUser_Defaults(t *testing.T) {
	u := NewUser("alice")
	name, addr := u.Identity()
	if name != "alice" || addr != AddressFor("alice") {
		t.Fatalf("Identity() = %s, %s", name, addr)
	}
	s := u.TransactSettings()
	if s.GasLimit != backend.DefaultGasLimit {
		t.Errorf("GasLimit = %d, want %d", s.GasLimit, backend.DefaultGasLimit)
	}
	if s.GasPrice.Sign() != 0 {
		t.Errorf("GasPrice = %s, want 0", s.GasPrice)
	}

	custom := common.HexToAddress("0x1234")
	u = NewUser("bob", WithAddress(custom), WithGasLimit(21_000), WithGasPrice(big.NewInt(5)))
	if _, addr := u.Identity(); addr != custom {
		t.Errorf("address = %s, want %s", addr, custom)
	}
	s = u.TransactSettings()
	if s.GasLimit != 21_000 || s.GasPrice.Int64() != 5 {
		t.Errorf("settings = %+v", s)
	}
	s.GasPrice.SetInt64(99)
	if u.TransactSettings().GasPrice.Int64() != 5 {
		t.Error("TransactSettings leaked its gas price")
	}
}

func TestFilterEvents(t *testing.T) {
	token := common.HexToAddress("0xaaaa")
	other := common.HexToAddress("0xbbbb")
	logs := []types.LogRecord{{Address: token}, {Address: other}, {Address: token}}

	tests := []struct {
		name  string
		agent Agent
		want  int
	}{
		{"user passthrough", NewUser("u"), 3},
		{"user watch", NewUser("w", WithWatch(token)), 2},
		{"user watch nothing matches", NewUser("n", WithWatch(common.HexToAddress("0xcccc"))), 0},
		{"admin", NewAdmin("env"), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(tt.agent.FilterEvents(logs)); got != tt.want {
				t.Errorf("FilterEvents() kept %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInfo(t *testing.T) {
	if got := Info(NewAdmin("env")).Kind; got != KindAdmin {
		t.Errorf("admin kind = %s", got)
	}
	if got := Info(NewUser("u")); got.Kind != KindUser || got.Name != "u" {
		t.Errorf("user info = %+v", got)
	}
}

func TestAgent_NotActivated(t *testing.T) {
	ctx := context.Background()
	u := NewUser("idle")
	if _, err := u.Transact(ctx, common.Address{1}, nil, nil); !errors.Is(err, ErrNotActivated) {
		t.Errorf("Transact() error = %v, want ErrNotActivated", err)
	}
	if _, err := u.Deploy(ctx, contracts.ERC20Bytecode); !errors.Is(err, ErrNotActivated) {
		t.Errorf("Deploy() error = %v, want ErrNotActivated", err)
	}
	if err := NewAdmin("x").Deal(ctx, common.Address{1}, big.NewInt(1)); !errors.Is(err, ErrNotActivated) {
		t.Errorf("Deal() error = %v, want ErrNotActivated", err)
	}

	sub := u.Subscribe()
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("unexpected block on inactive agent")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription of an inactive agent did not end")
	}
}

func TestAgent_ActivateOnce(t *testing.T) {
	env := newRunningEnv(t)
	u := NewUser("alice")
	if err := u.Activate(env); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := u.Activate(env); !errors.Is(err, ErrAlreadyActivated) {
		t.Fatalf("second Activate() error = %v, want ErrAlreadyActivated", err)
	}
	if u.Environment() != env {
		t.Fatal("Environment() does not return the bound environment")
	}
}

func TestAgent_TransactAndObserve(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	env := newRunningEnv(t)

	admin := NewAdmin(env.Label())
	alice := NewUser("alice")
	for _, a := range []Activator{admin, alice} {
		if err := a.Activate(env); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}
	}

	p, err := alice.Deploy(ctx, contracts.ERC20Bytecode)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	out, err := p.Wait(ctx)
	if err != nil || !out.Success || out.ContractAddress == nil {
		t.Fatalf("deploy outcome = %+v, err = %v", out, err)
	}
	token := *out.ContractAddress

	watcher := NewUser("watcher", WithWatch(token))
	if err := watcher.Activate(env); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	sub := watcher.Subscribe()
	defer sub.Unsubscribe()

	_, bobAddr := NewUser("bob").Identity()
	p, err = alice.Transact(ctx, token, contracts.EncodeTransfer(bobAddr, big.NewInt(25)), nil)
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	if out, err := p.Wait(ctx); err != nil || !out.Success {
		t.Fatalf("transfer outcome = %+v, err = %v", out, err)
	}

	select {
	case block := <-sub.C():
		logs := watcher.FilterEvents(block.Logs)
		if len(logs) != 1 {
			t.Fatalf("watched logs = %d, want 1", len(logs))
		}
		tr, ok := contracts.DecodeTransfer(logs[0])
		if !ok || tr.To != bobAddr || tr.Amount.Int64() != 25 {
			t.Fatalf("transfer = %+v, ok = %v", tr, ok)
		}
	case <-ctx.Done():
		t.Fatal("no block observed")
	}

	res, err := alice.Call(ctx, token, contracts.EncodeBalanceOf(bobAddr))
	if err != nil || !res.Success {
		t.Fatalf("Call() = %+v, err = %v", res, err)
	}
	if got := contracts.DecodeUint256(res.ReturnData); got.Int64() != 25 {
		t.Fatalf("balanceOf(bob) = %s, want 25", got)
	}

	if err := admin.Deal(ctx, bobAddr, big.NewInt(1e18)); err != nil {
		t.Fatalf("Deal() error = %v", err)
	}
	info, err := env.Account(ctx, bobAddr)
	if err != nil || info.Balance.Cmp(big.NewInt(1e18)) != 0 {
		t.Fatalf("Account() = %+v, err = %v", info, err)
	}
	acct, err := alice.Account(ctx)
	if err != nil || acct.Nonce != 2 {
		t.Fatalf("alice account = %+v, err = %v", acct, err)
	}
}
