package backend

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmsim/internal/contracts"
	"github.com/gateway-fm/evmsim/pkg/types"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newTestEVM(t *testing.T) *EVM {
	t.Helper()
	e, err := NewEVM(Config{Seed: 1, BlockRate: 1})
	if err != nil {
		t.Fatalf("NewEVM() error = %v", err)
	}
	return e
}

func deployToken(t *testing.T, e *EVM) common.Address {
	t.Helper()
	out, err := e.Deploy(alice, contracts.ERC20Bytecode, nil)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if !out.Success || out.ContractAddress == nil {
		t.Fatalf("Deploy() outcome = %+v, want success with address", out)
	}
	return *out.ContractAddress
}

func TestEVM_DeployAndTransfer(t *testing.T) {
	e := newTestEVM(t)
	token := deployToken(t, e)

	if got := e.Account(alice).Nonce; got != 1 {
		t.Errorf("deployer nonce = %d, want 1", got)
	}
	if e.Account(token).CodeSize == 0 {
		t.Fatal("token has no code after deploy")
	}

	out, err := e.Execute(types.TxRequest{
		Caller: alice,
		To:     &token,
		Data:   contracts.EncodeTransfer(bob, big.NewInt(100)),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !out.Success {
		t.Fatalf("transfer failed: %s", out.Error)
	}
	if len(out.Logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(out.Logs))
	}
	tr, ok := contracts.DecodeTransfer(out.Logs[0])
	if !ok {
		t.Fatalf("log is not a Transfer: %+v", out.Logs[0])
	}
	if tr.From != alice || tr.To != bob || tr.Amount.Int64() != 100 || tr.Token != token {
		t.Errorf("decoded transfer = %+v", tr)
	}
	if out.GasUsed <= 21000 {
		t.Errorf("GasUsed = %d, want > 21000", out.GasUsed)
	}

	call, err := e.Call(types.TxRequest{Caller: bob, To: &token, Data: contracts.EncodeBalanceOf(bob)})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got := contracts.DecodeUint256(call.ReturnData); got.Int64() != 100 {
		t.Errorf("balanceOf(bob) = %s, want 100", got)
	}
}

func TestEVM_RevertOnlyTouchesAccounting(t *testing.T) {
	e := newTestEVM(t)
	token := deployToken(t, e)
	if _, err := e.Seal(); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	before := e.Account(token)

	// Unknown selector hits the fallback revert.
	out, err := e.Execute(types.TxRequest{Caller: bob, To: &token, Data: []byte{0xde, 0xad, 0xbe, 0xef}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Success {
		t.Fatal("expected revert")
	}
	if len(out.Logs) != 0 {
		t.Errorf("reverted tx produced %d logs", len(out.Logs))
	}
	if got := e.Account(bob).Nonce; got != 1 {
		t.Errorf("caller nonce after revert = %d, want 1", got)
	}
	if out.GasUsed == 0 {
		t.Error("reverted tx should still use gas")
	}
	after := e.Account(token)
	if after.CodeHash != before.CodeHash || after.Nonce != before.Nonce {
		t.Errorf("destination changed: before %+v after %+v", before, after)
	}
}

func TestEVM_RevertReason(t *testing.T) {
	e := newTestEVM(t)
	target := common.HexToAddress("0x00000000000000000000000000000000000fa11")
	if err := e.DeployAt(target, contracts.RevertWithReason("nope")); err != nil {
		t.Fatalf("DeployAt() error = %v", err)
	}

	out, err := e.Execute(types.TxRequest{Caller: alice, To: &target})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Success {
		t.Fatal("expected revert")
	}
	if out.RevertReason != "nope" {
		t.Errorf("RevertReason = %q, want %q", out.RevertReason, "nope")
	}
}

func TestEVM_InsufficientFundsIsAnOutcome(t *testing.T) {
	e := newTestEVM(t)
	out, err := e.Execute(types.TxRequest{Caller: alice, To: &bob, Value: big.NewInt(1)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Success || out.Error == "" {
		t.Errorf("outcome = %+v, want failure with error", out)
	}
	if got := e.Account(alice).Nonce; got != 0 {
		t.Errorf("nonce = %d, want 0 for a rejected tx", got)
	}
}

func TestEVM_SetBalanceAndValueTransfer(t *testing.T) {
	e := newTestEVM(t)
	if err := e.SetBalance(alice, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("SetBalance() error = %v", err)
	}
	out, err := e.Execute(types.TxRequest{Caller: alice, To: &bob, Value: big.NewInt(400)})
	if err != nil || !out.Success {
		t.Fatalf("Execute() = %+v, %v", out, err)
	}
	if got := e.Account(bob).Balance.Int64(); got != 400 {
		t.Errorf("bob balance = %d, want 400", got)
	}
	if got := e.Account(alice).Balance.Int64(); got != 999_600 {
		t.Errorf("alice balance = %d, want 999600", got)
	}
}

func TestEVM_MalformedInput(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	tests := []struct {
		name string
		req  types.TxRequest
		want error
	}{
		{"zero caller", types.TxRequest{To: &bob}, ErrInvalidAddress},
		{"negative value", types.TxRequest{Caller: alice, To: &bob, Value: big.NewInt(-1)}, ErrInvalidValue},
		{"overflowing value", types.TxRequest{Caller: alice, To: &bob, Value: huge}, ErrInvalidValue},
		{"empty deploy", types.TxRequest{Caller: alice}, ErrEmptyBytecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEVM(t)
			if _, err := e.Execute(tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Execute() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEVM_CallDoesNotMutate(t *testing.T) {
	e := newTestEVM(t)
	token := deployToken(t, e)
	nonce := e.Account(bob).Nonce

	out, err := e.Call(types.TxRequest{Caller: bob, To: &token, Data: contracts.EncodeTransfer(alice, big.NewInt(5))})
	if err != nil || !out.Success {
		t.Fatalf("Call() = %+v, %v", out, err)
	}
	if got := e.Account(bob).Nonce; got != nonce {
		t.Errorf("nonce after Call = %d, want %d", got, nonce)
	}
	block, err := e.Seal()
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(block.Logs) != 0 {
		t.Errorf("block logs = %d, want 0 (deploy emits none, Call is discarded)", len(block.Logs))
	}
}

func TestEVM_SealBatchesLogs(t *testing.T) {
	e := newTestEVM(t)
	token := deployToken(t, e)

	for i := 0; i < 3; i++ {
		if _, err := e.Execute(types.TxRequest{Caller: alice, To: &token, Data: contracts.EncodeTransfer(bob, big.NewInt(int64(i+1)))}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	block, err := e.Seal()
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if block.Number != 1 || e.BlockNumber() != 2 {
		t.Errorf("block number = %d, next = %d; want 1, 2", block.Number, e.BlockNumber())
	}
	if block.Transactions != 4 {
		t.Errorf("Transactions = %d, want 4", block.Transactions)
	}
	if len(block.Logs) != 3 {
		t.Fatalf("len(block.Logs) = %d, want 3", len(block.Logs))
	}
	for i, l := range block.Logs {
		tr, _ := contracts.DecodeTransfer(l)
		if tr.Amount.Int64() != int64(i+1) {
			t.Errorf("log %d amount = %s, want %d", i, tr.Amount, i+1)
		}
		if l.Index != uint(i) {
			t.Errorf("log %d index = %d", i, l.Index)
		}
	}

	// State survives the reopen after commit.
	if e.Account(token).CodeSize == 0 {
		t.Error("token code lost after Seal")
	}
	if e.Account(alice).Nonce != 4 {
		t.Errorf("alice nonce = %d, want 4", e.Account(alice).Nonce)
	}
}

func TestEVM_Deterministic(t *testing.T) {
	run := func() common.Hash {
		e := newTestEVM(t)
		token := deployToken(t, e)
		if _, err := e.Execute(types.TxRequest{Caller: alice, To: &token, Data: contracts.EncodeTransfer(bob, big.NewInt(7))}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		b, err := e.Seal()
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		return b.Root
	}
	if a, b := run(), run(); a != b {
		t.Errorf("roots differ: %s vs %s", a, b)
	}
}

func TestBlockInterval(t *testing.T) {
	tests := []struct {
		rate float64
		want uint64
	}{
		{0, 1},
		{1, 1},
		{10, 1},
		{0.5, 2},
		{0.1, 10},
	}
	for _, tt := range tests {
		if got := blockInterval(tt.rate); got != tt.want {
			t.Errorf("blockInterval(%v) = %d, want %d", tt.rate, got, tt.want)
		}
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"42", 42, false},
		{"0x10", 16, false},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseValue(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseValue(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got.Int64() != tt.want {
			t.Errorf("ParseValue(%q) = %s, want %d", tt.in, got, tt.want)
		}
	}
	if _, err := ParseAddress("0x123"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("ParseAddress(short) error = %v, want ErrInvalidAddress", err)
	}
}

func TestEVM_GasConsumer(t *testing.T) {
	e := newTestEVM(t)
	out, err := e.Deploy(alice, contracts.GasConsumerBytecode, nil)
	if err != nil || !out.Success || out.ContractAddress == nil {
		t.Fatalf("Deploy() = %+v, %v", out, err)
	}
	target := *out.ContractAddress

	stored, err := e.Execute(types.TxRequest{Caller: alice, To: &target, Data: contracts.EncodeStore(big.NewInt(7))})
	if err != nil || !stored.Success {
		t.Fatalf("store = %+v, %v", stored, err)
	}
	counter, err := e.Call(types.TxRequest{Caller: alice, To: &target, Data: contracts.EncodeCounter()})
	if err != nil || !counter.Success {
		t.Fatalf("counter = %+v, %v", counter, err)
	}
	if got := contracts.DecodeUint256(counter.ReturnData); got.Int64() != 1 {
		t.Errorf("counter() = %s, want 1", got)
	}

	burned, err := e.Execute(types.TxRequest{Caller: alice, To: &target, Data: contracts.EncodeConsumeGas(big.NewInt(200))})
	if err != nil || !burned.Success {
		t.Fatalf("consumeGas = %+v, %v", burned, err)
	}
	if burned.GasUsed <= stored.GasUsed {
		t.Errorf("consumeGas used %d gas, store used %d", burned.GasUsed, stored.GasUsed)
	}
}
