package manager

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/gateway-fm/evmsim/internal/agent"
	"github.com/gateway-fm/evmsim/internal/contracts"
	"github.com/gateway-fm/evmsim/internal/environment"
	"github.com/gateway-fm/evmsim/pkg/types"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m := New()
	t.Cleanup(func() { _ = m.StopAll() })
	return m
}

func mustState(t *testing.T, m *Manager, label string, want types.State) {
	t.Helper()
	st, err := m.Status(label)
	if err != nil {
		t.Fatalf("Status(%q) error = %v", label, err)
	}
	if st.State != want {
		t.Fatalf("state(%q) = %s, want %s", label, st.State, want)
	}
}

func TestManager_DuplicateLabel(t *testing.T) {
	m := newManager(t)
	if err := m.AddEnvironment("sim", types.EnvironmentParameters{BlockRate: 1}); err != nil {
		t.Fatalf("AddEnvironment() error = %v", err)
	}
	err := m.AddEnvironment("sim", types.EnvironmentParameters{BlockRate: 2})
	if !errors.Is(err, ErrDuplicateLabel) {
		t.Fatalf("second AddEnvironment() error = %v, want ErrDuplicateLabel", err)
	}
	st, _ := m.Status("sim")
	if st.Parameters.BlockRate != 1 {
		t.Errorf("existing environment changed: %+v", st.Parameters)
	}
}

func TestManager_InvalidParameters(t *testing.T) {
	m := newManager(t)
	err := m.AddEnvironment("bad", types.EnvironmentParameters{BlockRate: -1})
	if !errors.Is(err, environment.ErrInvalidParameters) {
		t.Fatalf("AddEnvironment() error = %v, want ErrInvalidParameters", err)
	}
	if _, err := m.Environment("bad"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected environment was registered: %v", err)
	}
}

func TestManager_NotFound(t *testing.T) {
	m := newManager(t)
	ops := map[string]func(string) error{
		"start":  m.StartEnvironment,
		"pause":  m.PauseEnvironment,
		"stop":   m.StopEnvironment,
		"remove": m.RemoveEnvironment,
		"activate": func(l string) error {
			return m.ActivateAgent(l, agent.NewUser("x"))
		},
		"status": func(l string) error {
			_, err := m.Status(l)
			return err
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestManager_Lifecycle(t *testing.T) {
	m := newManager(t)
	if err := m.AddEnvironment("sim", types.EnvironmentParameters{BlockRate: 10}); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, "sim", types.StateInitialization)

	if err := m.PauseEnvironment("sim"); !errors.Is(err, environment.ErrInvalidTransition) {
		t.Fatalf("pause from Initialization error = %v", err)
	}
	if err := m.StartEnvironment("sim"); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, "sim", types.StateRunning)
	if err := m.PauseEnvironment("sim"); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, "sim", types.StatePaused)
	if err := m.StartEnvironment("sim"); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, "sim", types.StateRunning)

	if err := m.RemoveEnvironment("sim"); !errors.Is(err, ErrNotStopped) {
		t.Fatalf("RemoveEnvironment() on running error = %v, want ErrNotStopped", err)
	}
	if err := m.StopEnvironment("sim"); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, "sim", types.StateStopped)

	for name, op := range map[string]func(string) error{
		"start": m.StartEnvironment,
		"pause": m.PauseEnvironment,
		"stop":  m.StopEnvironment,
	} {
		if err := op("sim"); !errors.Is(err, environment.ErrInvalidTransition) {
			t.Errorf("%s after stop error = %v, want ErrInvalidTransition", name, err)
		}
	}

	if err := m.RemoveEnvironment("sim"); err != nil {
		t.Fatalf("RemoveEnvironment() error = %v", err)
	}
	if err := m.AddEnvironment("sim", types.EnvironmentParameters{}); err != nil {
		t.Fatalf("label not reusable after removal: %v", err)
	}
}

func TestManager_AdminFunded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := newManager(t)
	if err := m.AddEnvironment("sim", types.EnvironmentParameters{}); err != nil {
		t.Fatal(err)
	}
	admin, err := m.Admin("sim")
	if err != nil {
		t.Fatal(err)
	}
	info, err := admin.Account(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Balance.Cmp(agent.AdminFunding) != 0 {
		t.Fatalf("admin balance = %s, want %s", info.Balance, agent.AdminFunding)
	}

	st, _ := m.Status("sim")
	if len(st.Agents) != 1 || st.Agents[0].Kind != agent.KindAdmin {
		t.Fatalf("agents = %+v, want the admin only", st.Agents)
	}
}

func TestManager_ActivateAgent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := newManager(t)
	if err := m.AddEnvironment("sim", types.EnvironmentParameters{}); err != nil {
		t.Fatal(err)
	}
	if err := m.StartEnvironment("sim"); err != nil {
		t.Fatal(err)
	}

	alice := agent.NewUser("alice")
	if err := m.ActivateAgent("sim", alice); err != nil {
		t.Fatalf("ActivateAgent() error = %v", err)
	}
	if err := m.ActivateAgent("sim", agent.NewUser("alice")); !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("duplicate ActivateAgent() error = %v, want ErrDuplicateAgent", err)
	}

	agents, err := m.Agents("sim")
	if err != nil || len(agents) != 2 {
		t.Fatalf("Agents() = %v, %v", agents, err)
	}
	if name, _ := agents[1].Identity(); name != "alice" {
		t.Errorf("second agent = %s, want alice", name)
	}

	p, err := alice.Deploy(ctx, contracts.ERC20Bytecode)
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.Wait(ctx)
	if err != nil || !out.Success {
		t.Fatalf("deploy outcome = %+v, err = %v", out, err)
	}
	p, err = alice.Transact(ctx, *out.ContractAddress, contracts.EncodeTransfer(agent.AddressFor("bob"), big.NewInt(1)), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out, err := p.Wait(ctx); err != nil || !out.Success {
		t.Fatalf("transfer outcome = %+v, err = %v", out, err)
	}
}

func TestManager_ActivateAgentStopped(t *testing.T) {
	m := newManager(t)
	if err := m.AddEnvironment("sim", types.EnvironmentParameters{}); err != nil {
		t.Fatal(err)
	}
	if err := m.StopEnvironment("sim"); err != nil {
		t.Fatal(err)
	}

	bob := agent.NewUser("bob")
	err := m.ActivateAgent("sim", bob)
	if !errors.Is(err, environment.ErrEnvironmentStopped) {
		t.Fatalf("ActivateAgent() error = %v, want ErrEnvironmentStopped", err)
	}
	if bob.Environment() != nil {
		t.Error("rejected agent is bound to the environment")
	}
	agents, err := m.Agents("sim")
	if err != nil || len(agents) != 1 {
		t.Fatalf("Agents() = %v, %v, want only the admin", agents, err)
	}
}

func TestManager_ListAndStopAll(t *testing.T) {
	m := newManager(t)
	for _, label := range []string{"c", "a", "b"} {
		if err := m.AddEnvironment(label, types.EnvironmentParameters{BlockRate: 5}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.StartEnvironment("b"); err != nil {
		t.Fatal(err)
	}
	if err := m.StopEnvironment("c"); err != nil {
		t.Fatal(err)
	}

	list := m.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d environments", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].Label != want {
			t.Errorf("List()[%d] = %s, want %s", i, list[i].Label, want)
		}
	}

	if err := m.StopAll(); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	for _, st := range m.List() {
		if st.State != types.StateStopped {
			t.Errorf("%s state = %s after StopAll", st.Label, st.State)
		}
	}
}
