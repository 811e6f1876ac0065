// Package manager keeps the label-keyed registry of environments.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/evmsim/internal/agent"
	"github.com/gateway-fm/evmsim/internal/environment"
	"github.com/gateway-fm/evmsim/internal/metrics"
	"github.com/gateway-fm/evmsim/pkg/types"
)

var (
	ErrDuplicateLabel = errors.New("environment label already exists")
	ErrNotFound       = errors.New("environment not found")
	ErrNotStopped     = errors.New("environment not stopped")
	ErrDuplicateAgent = errors.New("agent address already active")
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics enables Prometheus instrumentation for every environment.
func WithMetrics(p *metrics.Prometheus) Option {
	return func(m *Manager) { m.metrics = p }
}

// WithEnvironmentOptions appends options applied to every new environment.
func WithEnvironmentOptions(opts ...environment.Option) Option {
	return func(m *Manager) { m.envOpts = append(m.envOpts, opts...) }
}

type entry struct {
	env    *environment.Environment
	admin  *agent.Admin
	agents []agent.Agent
	byAddr map[common.Address]struct{}
}

// Manager maps labels to environments. It is safe for concurrent use and
// never blocks beyond a control round-trip to the target environment.
type Manager struct {
	logger  *slog.Logger
	metrics *metrics.Prometheus
	envOpts []environment.Option

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty manager.
func New(opts ...Option) *Manager {
	m := &Manager{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// AddEnvironment creates an environment in Initialization together with its
// funded admin agent.
func (m *Manager) AddEnvironment(label string, params types.EnvironmentParameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[label]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
	}

	opts := append([]environment.Option{
		environment.WithLogger(m.logger),
		environment.WithMetrics(m.metrics),
	}, m.envOpts...)
	env, err := environment.New(label, params, opts...)
	if err != nil {
		return err
	}

	admin := agent.NewAdmin(label)
	if err := admin.Activate(env); err != nil {
		_ = env.Stop()
		return err
	}
	_, adminAddr := admin.Identity()
	if err := admin.Deal(context.Background(), adminAddr, agent.AdminFunding); err != nil {
		_ = env.Stop()
		return fmt.Errorf("fund admin: %w", err)
	}

	m.entries[label] = &entry{
		env:    env,
		admin:  admin,
		agents: []agent.Agent{admin},
		byAddr: map[common.Address]struct{}{adminAddr: {}},
	}
	m.logger.Info("environment added",
		slog.String("environment", label),
		slog.Float64("block_rate", params.BlockRate),
		slog.Uint64("seed", params.Seed))
	return nil
}

func (m *Manager) get(label string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[label]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	return e, nil
}

// Environment returns the environment registered under label.
func (m *Manager) Environment(label string) (*environment.Environment, error) {
	e, err := m.get(label)
	if err != nil {
		return nil, err
	}
	return e.env, nil
}

// Admin returns the admin agent of label.
func (m *Manager) Admin(label string) (*agent.Admin, error) {
	e, err := m.get(label)
	if err != nil {
		return nil, err
	}
	return e.admin, nil
}

func (m *Manager) StartEnvironment(label string) error {
	env, err := m.Environment(label)
	if err != nil {
		return err
	}
	return env.Start()
}

func (m *Manager) PauseEnvironment(label string) error {
	env, err := m.Environment(label)
	if err != nil {
		return err
	}
	return env.Pause()
}

func (m *Manager) StopEnvironment(label string) error {
	env, err := m.Environment(label)
	if err != nil {
		return err
	}
	return env.Stop()
}

// RemoveEnvironment forgets a stopped environment.
func (m *Manager) RemoveEnvironment(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[label]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	if st := e.env.State(); st != types.StateStopped {
		return fmt.Errorf("%w: %q is %s", ErrNotStopped, label, st)
	}
	delete(m.entries, label)
	m.metrics.Forget(label)
	m.logger.Info("environment removed", slog.String("environment", label))
	return nil
}

// ActivateAgent binds a to the environment. Agent addresses are unique per
// environment.
func (m *Manager) ActivateAgent(label string, a agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[label]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	name, addr := a.Identity()
	if e.env.State() == types.StateStopped {
		return fmt.Errorf("activate %s in %q: %w", name, label, environment.ErrEnvironmentStopped)
	}
	if _, dup := e.byAddr[addr]; dup {
		return fmt.Errorf("%w: %s (%s) in %q", ErrDuplicateAgent, name, addr, label)
	}
	if act, ok := a.(agent.Activator); ok {
		if err := act.Activate(e.env); err != nil {
			return err
		}
	}
	e.agents = append(e.agents, a)
	e.byAddr[addr] = struct{}{}
	m.logger.Debug("agent activated",
		slog.String("environment", label),
		slog.String("agent", name),
		slog.String("address", addr.Hex()))
	return nil
}

// Agents returns the agents of label in activation order, admin first.
func (m *Manager) Agents(label string) ([]agent.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[label]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	return slices.Clone(e.agents), nil
}

// Status describes one environment.
func (m *Manager) Status(label string) (types.EnvironmentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[label]
	if !ok {
		return types.EnvironmentStatus{}, fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	return e.status(), nil
}

func (e *entry) status() types.EnvironmentStatus {
	st := e.env.Status()
	st.Agents = make([]types.AgentInfo, 0, len(e.agents))
	for _, a := range e.agents {
		st.Agents = append(st.Agents, agent.Info(a))
	}
	return st
}

// List describes every environment, sorted by label.
func (m *Manager) List() []types.EnvironmentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.EnvironmentStatus, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.status())
	}
	slices.SortFunc(out, func(a, b types.EnvironmentStatus) int {
		return strings.Compare(a.Label, b.Label)
	})
	return out
}

// StopAll stops every environment that is still live.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	envs := make([]*environment.Environment, 0, len(m.entries))
	for _, e := range m.entries {
		envs = append(envs, e.env)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, env := range envs {
		g.Go(func() error {
			if err := env.Stop(); err != nil && !errors.Is(err, environment.ErrAlreadyStopped) {
				return fmt.Errorf("stop %q: %w", env.Label(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
