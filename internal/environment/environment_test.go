package environment

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmsim/internal/backend"
	"github.com/gateway-fm/evmsim/internal/contracts"
	"github.com/gateway-fm/evmsim/pkg/types"
)

var (
	deployer = common.HexToAddress("0x00000000000000000000000000000000000d3910")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newEnv(t *testing.T, rate float64, opts ...Option) *Environment {
	t.Helper()
	env, err := New("sim", types.EnvironmentParameters{BlockRate: rate, Seed: 1}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = env.Stop() })
	return env
}

func waitState(t *testing.T, env *Environment, want types.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for env.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", env.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func deployToken(t *testing.T, ctx context.Context, env *Environment) common.Address {
	t.Helper()
	out, err := env.Execute(ctx, types.TxRequest{Caller: deployer, Data: contracts.ERC20Bytecode})
	if err != nil {
		t.Fatalf("deploy error = %v", err)
	}
	if !out.Success || out.ContractAddress == nil {
		t.Fatalf("deploy outcome = %+v", out)
	}
	return *out.ContractAddress
}

func collectLogs(env *Environment) <-chan []types.LogRecord {
	sub := env.Subscribe()
	result := make(chan []types.LogRecord, 1)
	go func() {
		var logs []types.LogRecord
		for block := range sub.C() {
			logs = append(logs, block.Logs...)
		}
		result <- logs
	}()
	return result
}

func TestNew_InvalidParameters(t *testing.T) {
	tests := []struct {
		name  string
		label string
		rate  float64
	}{
		{"empty label", "", 1},
		{"negative rate", "sim", -1},
		{"nan rate", "sim", math.NaN()},
		{"infinite rate", "sim", math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.label, types.EnvironmentParameters{BlockRate: tt.rate})
			if !errors.Is(err, ErrInvalidParameters) {
				t.Errorf("New() error = %v, want ErrInvalidParameters", err)
			}
		})
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	type step struct {
		op      string
		wantErr error
		want    types.State
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "start pause start stop",
			steps: []step{
				{"start", nil, types.StateRunning},
				{"pause", nil, types.StatePaused},
				{"start", nil, types.StateRunning},
				{"stop", nil, types.StateStopped},
			},
		},
		{
			name: "pause before start",
			steps: []step{
				{"pause", ErrInvalidTransition, types.StateInitialization},
				{"start", nil, types.StateRunning},
			},
		},
		{
			name: "double start",
			steps: []step{
				{"start", nil, types.StateRunning},
				{"start", ErrInvalidTransition, types.StateRunning},
			},
		},
		{
			name: "double pause",
			steps: []step{
				{"start", nil, types.StateRunning},
				{"pause", nil, types.StatePaused},
				{"pause", ErrInvalidTransition, types.StatePaused},
			},
		},
		{
			name: "stop from initialization",
			steps: []step{
				{"stop", nil, types.StateStopped},
			},
		},
		{
			name: "stop from paused",
			steps: []step{
				{"start", nil, types.StateRunning},
				{"pause", nil, types.StatePaused},
				{"stop", nil, types.StateStopped},
			},
		},
		{
			name: "everything fails after stop",
			steps: []step{
				{"stop", nil, types.StateStopped},
				{"start", ErrAlreadyStopped, types.StateStopped},
				{"pause", ErrAlreadyStopped, types.StateStopped},
				{"stop", ErrAlreadyStopped, types.StateStopped},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, 1)
			if got := env.State(); got != types.StateInitialization {
				t.Fatalf("initial state = %s", got)
			}
			for i, s := range tt.steps {
				var err error
				switch s.op {
				case "start":
					err = env.Start()
				case "pause":
					err = env.Pause()
				case "stop":
					err = env.Stop()
				}
				if !errors.Is(err, s.wantErr) {
					t.Fatalf("step %d %s: error = %v, want %v", i, s.op, err, s.wantErr)
				}
				if got := env.State(); got != s.want {
					t.Fatalf("step %d %s: state = %s, want %s", i, s.op, got, s.want)
				}
			}
		})
	}
}

// End to end: two token transfers in a 1 block/s environment.
func TestEnvironment_Scenario(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newEnv(t, 1.0)
	if err := env.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitState(t, env, types.StateRunning)
	logsCh := collectLogs(env)

	token := deployToken(t, ctx, env)

	var pendings []*Pending
	for _, to := range []common.Address{alice, bob} {
		p, err := env.Submit(ctx, types.TxRequest{
			Caller: deployer,
			To:     &token,
			Data:   contracts.EncodeTransfer(to, big.NewInt(10)),
		})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		pendings = append(pendings, p)
	}

	emitted := 0
	for i, p := range pendings {
		out, err := p.Wait(ctx)
		if err != nil {
			t.Fatalf("Wait(%d) error = %v", i, err)
		}
		if !out.Success {
			t.Errorf("outcome %d failed: %s", i, out.Error)
		}
		emitted += len(out.Logs)
	}
	if emitted != 2 {
		t.Errorf("outcomes carried %d logs, want 2", emitted)
	}

	if err := env.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if env.State() != types.StateStopped {
		t.Errorf("state = %s, want stopped", env.State())
	}

	logs := <-logsCh
	if len(logs) != emitted {
		t.Errorf("broadcast %d logs, outcomes reported %d", len(logs), emitted)
	}

	if _, err := env.Submit(ctx, types.TxRequest{Caller: deployer, To: &token}); !errors.Is(err, ErrEnvironmentStopped) {
		t.Errorf("Submit() after stop error = %v, want ErrEnvironmentStopped", err)
	}
}

func TestEnvironment_OrderingPreserved(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newEnv(t, 50)
	if err := env.Start(); err != nil {
		t.Fatal(err)
	}
	logsCh := collectLogs(env)
	token := deployToken(t, ctx, env)

	const n = 25
	var last *Pending
	for i := 1; i <= n; i++ {
		p, err := env.Submit(ctx, types.TxRequest{
			Caller: deployer,
			To:     &token,
			Data:   contracts.EncodeTransfer(alice, big.NewInt(int64(i))),
		})
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		last = p
	}
	if _, err := last.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := env.Stop(); err != nil {
		t.Fatal(err)
	}

	logs := <-logsCh
	if len(logs) != n {
		t.Fatalf("got %d logs, want %d", len(logs), n)
	}
	for i, l := range logs {
		tr, ok := contracts.DecodeTransfer(l)
		if !ok {
			t.Fatalf("log %d is not a transfer", i)
		}
		if tr.Amount.Int64() != int64(i+1) {
			t.Errorf("log %d amount = %s, want %d", i, tr.Amount, i+1)
		}
	}
}

func TestEnvironment_PauseRetainsQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newEnv(t, 0)
	if err := env.Start(); err != nil {
		t.Fatal(err)
	}
	if err := env.Pause(); err != nil {
		t.Fatal(err)
	}

	var pendings []*Pending
	for i := 0; i < 3; i++ {
		p, err := env.Submit(ctx, types.TxRequest{Caller: alice, To: &bob})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		pendings = append(pendings, p)
	}

	time.Sleep(50 * time.Millisecond)
	for i, p := range pendings {
		select {
		case <-p.Done():
			t.Fatalf("request %d executed while paused", i)
		default:
		}
	}
	if got := env.QueueDepth(); got != 3 {
		t.Errorf("QueueDepth() = %d, want 3", got)
	}

	if err := env.Start(); err != nil {
		t.Fatal(err)
	}
	for i, p := range pendings {
		out, err := p.Wait(ctx)
		if err != nil || !out.Success {
			t.Errorf("request %d: %+v, %v", i, out, err)
		}
	}
	if got := env.Executed(); got != 3 {
		t.Errorf("Executed() = %d, want 3", got)
	}
}

func TestEnvironment_StopExecutesQueued(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := newEnv(t, 1)
	logsCh := collectLogs(env)
	if err := env.Deal(ctx, alice, big.NewInt(1000)); err != nil {
		t.Fatal(err)
	}

	p, err := env.Submit(ctx, types.TxRequest{Caller: alice, To: &bob, Value: big.NewInt(250)})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Stop(); err != nil {
		t.Fatal(err)
	}

	out, err := p.Wait(ctx)
	if err != nil || !out.Success {
		t.Fatalf("queued request after stop: %+v, %v", out, err)
	}
	<-logsCh
	if _, err := env.Account(ctx, bob); !errors.Is(err, ErrEnvironmentStopped) {
		t.Errorf("Account() after stop error = %v, want ErrEnvironmentStopped", err)
	}
}

func TestEnvironment_PrivilegedOperations(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 0)

	if err := env.Deal(ctx, alice, big.NewInt(42)); err != nil {
		t.Fatalf("Deal() error = %v", err)
	}
	info, err := env.Account(ctx, alice)
	if err != nil {
		t.Fatalf("Account() error = %v", err)
	}
	if info.Balance.Int64() != 42 {
		t.Errorf("balance = %s, want 42", info.Balance)
	}
	if err := env.Deal(ctx, alice, big.NewInt(-1)); !errors.Is(err, backend.ErrInvalidValue) {
		t.Errorf("Deal(negative) error = %v, want ErrInvalidValue", err)
	}

	if err := env.DeployAt(ctx, backend.FactoryAddress, contracts.RevertWithReason("factory")); err != nil {
		t.Fatalf("DeployAt() error = %v", err)
	}
	info, _ = env.Account(ctx, backend.FactoryAddress)
	if info.CodeSize == 0 {
		t.Error("factory has no code")
	}
}

func TestEnvironment_SubmitRejectsMalformed(t *testing.T) {
	env := newEnv(t, 0)
	_, err := env.Submit(context.Background(), types.TxRequest{Caller: alice, To: &bob, Value: big.NewInt(-5)})
	if !errors.Is(err, backend.ErrInvalidValue) {
		t.Errorf("Submit() error = %v, want ErrInvalidValue", err)
	}
	if env.QueueDepth() != 0 {
		t.Errorf("QueueDepth() = %d, want 0", env.QueueDepth())
	}
}

func TestEnvironment_ConcurrentSubmitAndObserve(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newEnv(t, 100)
	if err := env.Start(); err != nil {
		t.Fatal(err)
	}

	stopPolling := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopPolling:
				return
			default:
				_ = env.State()
				_ = env.BlockNumber()
			}
		}
	}()

	callers := []common.Address{alice, bob, deployer}
	var wg sync.WaitGroup
	for _, c := range callers {
		wg.Add(1)
		go func(caller common.Address) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				out, err := env.Execute(ctx, types.TxRequest{Caller: caller, To: &caller})
				if err != nil || !out.Success {
					t.Errorf("Execute(%s): %+v, %v", caller, out, err)
					return
				}
			}
		}(c)
	}
	wg.Wait()
	close(stopPolling)

	for _, c := range callers {
		info, err := env.Account(ctx, c)
		if err != nil {
			t.Fatal(err)
		}
		if info.Nonce != 10 {
			t.Errorf("nonce(%s) = %d, want 10", c, info.Nonce)
		}
	}
}

// failingBackend seals with an error to exercise the fatal path.
type failingBackend struct {
	backend.Backend
}

var _ backend.Backend = (*failingBackend)(nil)

func (f *failingBackend) Seal() (types.Block, error) {
	return types.Block{}, errors.New("disk on fire")
}

func TestEnvironment_FatalBackendError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	evm, err := backend.NewEVM(backend.Config{})
	if err != nil {
		t.Fatal(err)
	}
	env := newEnv(t, 0, WithBackend(&failingBackend{Backend: evm}))
	sub := env.Subscribe()
	if err := env.Start(); err != nil {
		t.Fatal(err)
	}

	// Automine seals right after the transaction and fails, so the caller
	// never sees an outcome for the uncommitted block.
	out, err := env.Execute(ctx, types.TxRequest{Caller: alice, To: &bob})
	if err == nil {
		t.Fatalf("Execute() = %+v, want the seal error", out)
	}

	select {
	case <-env.Done():
	case <-ctx.Done():
		t.Fatal("loop did not exit after fatal error")
	}
	if env.State() != types.StateStopped {
		t.Errorf("state = %s, want stopped", env.State())
	}
	if env.Err() == nil {
		t.Error("Err() = nil, want the seal error")
	}
	if _, ok := <-sub.C(); ok {
		t.Error("subscription not closed after fatal error")
	}
	if _, err := env.Submit(ctx, types.TxRequest{Caller: alice, To: &bob}); !errors.Is(err, ErrEnvironmentStopped) {
		t.Errorf("Submit() error = %v, want ErrEnvironmentStopped", err)
	}
	if err := env.Stop(); !errors.Is(err, ErrAlreadyStopped) {
		t.Errorf("Stop() error = %v, want ErrAlreadyStopped", err)
	}
}

func TestEnvironment_AutomineCommitsBeforeOutcome(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := newEnv(t, 0)
	if err := env.Start(); err != nil {
		t.Fatal(err)
	}
	token := deployToken(t, ctx, env)

	for i := 0; i < 20; i++ {
		out, err := env.Execute(ctx, types.TxRequest{
			Caller: deployer,
			To:     &token,
			Data:   contracts.EncodeTransfer(alice, big.NewInt(1)),
		})
		if err != nil || !out.Success {
			t.Fatalf("transfer %d = %+v, %v", i, out, err)
		}
		if got := env.BlockNumber(); got <= out.BlockNumber {
			t.Fatalf("transfer %d: BlockNumber() = %d after outcome in block %d", i, got, out.BlockNumber)
		}

		// The block was published before Wait returned, so a subscriber
		// that joins now must not see it.
		sub := env.Subscribe()
		select {
		case block := <-sub.C():
			t.Fatalf("transfer %d: late subscriber received block %d", i, block.Number)
		case <-time.After(5 * time.Millisecond):
		}
		sub.Unsubscribe()
	}
}
