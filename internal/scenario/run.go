package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmsim/internal/agent"
	"github.com/gateway-fm/evmsim/internal/contracts"
	"github.com/gateway-fm/evmsim/internal/environment"
	"github.com/gateway-fm/evmsim/internal/eventlog"
	"github.com/gateway-fm/evmsim/internal/manager"
	"github.com/gateway-fm/evmsim/internal/metrics"
	"github.com/gateway-fm/evmsim/internal/ratelimit"
	"github.com/gateway-fm/evmsim/pkg/types"
)

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger  *slog.Logger
	metrics *metrics.Prometheus
	dir     string
}

// WithLogger sets the logger for the run and its event logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// WithMetrics records event log output.
func WithMetrics(m *metrics.Prometheus) Option {
	return func(c *runConfig) { c.metrics = m }
}

// WithDirectory sets the output directory used when the scenario names none.
func WithDirectory(dir string) Option {
	return func(c *runConfig) { c.dir = dir }
}

// Result summarises a finished run.
type Result struct {
	Label    string                    `json:"label"`
	Token    *common.Address           `json:"token,omitempty"`
	Agents   []types.AgentInfo         `json:"agents"`
	Outcomes []types.ExecutionOutcome  `json:"outcomes"`
	Records  uint64                    `json:"records"`
	Paths    map[types.FileType]string `json:"paths"`
	Duration time.Duration             `json:"duration"`
}

// Succeeded counts the transfers that executed successfully.
func (r *Result) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

// Run executes sc against mgr: it adds and starts the environment, funds
// the agents, optionally deploys the token from the admin, submits every
// transfer in order, stops the environment and waits for the event log to
// flush. The environment is left registered in Stopped.
func Run(ctx context.Context, mgr *manager.Manager, sc *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{dir: eventlog.DefaultDirectory}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	label := sc.Environment.Label
	logger := cfg.logger.With(slog.String("environment", label))
	started := time.Now()

	if err := mgr.AddEnvironment(label, sc.Environment.Parameters()); err != nil {
		return nil, err
	}
	env, err := mgr.Environment(label)
	if err != nil {
		return nil, err
	}

	task, err := newLogger(sc.Output, cfg).Add(env, label).Run(ctx)
	if err != nil {
		_ = mgr.StopEnvironment(label)
		return nil, fmt.Errorf("start event log: %w", err)
	}

	res, runErr := execute(ctx, mgr, env, sc, logger)
	if runErr != nil {
		logger.Error("scenario aborted", slog.String("error", runErr.Error()))
	}

	if err := mgr.StopEnvironment(label); err != nil && runErr == nil {
		runErr = err
	}
	if err := task.Wait(); err != nil && runErr == nil {
		runErr = fmt.Errorf("event log: %w", err)
	}
	if runErr != nil {
		return nil, runErr
	}

	res.Records = task.Records()
	res.Paths = task.Paths()
	res.Duration = time.Since(started)
	logger.Info("scenario finished",
		slog.Int("transfers", len(res.Outcomes)),
		slog.Int("succeeded", res.Succeeded()),
		slog.Uint64("records", res.Records),
		slog.Duration("duration", res.Duration))
	return res, nil
}

func newLogger(out Output, cfg runConfig) *eventlog.Builder {
	b := eventlog.New(eventlog.WithLogger(cfg.logger), eventlog.WithMetrics(cfg.metrics))
	dir := out.Dir
	if dir == "" {
		dir = cfg.dir
	}
	b.Directory(dir)
	if out.Basename != "" {
		b.Basename(out.Basename)
	}
	for _, f := range out.Formats {
		b.FileType(types.FileType(f))
	}
	if len(out.Metadata) > 0 {
		b.Metadata(out.Metadata)
	}
	return b
}

func execute(ctx context.Context, mgr *manager.Manager, env *environment.Environment, sc *Scenario, logger *slog.Logger) (*Result, error) {
	label := sc.Environment.Label
	res := &Result{Label: label}

	if err := mgr.StartEnvironment(label); err != nil {
		return nil, err
	}
	admin, err := mgr.Admin(label)
	if err != nil {
		return nil, err
	}

	users := make(map[string]*agent.User, len(sc.Agents))
	for _, a := range sc.Agents {
		u := agent.NewUser(a.Name)
		if err := mgr.ActivateAgent(label, u); err != nil {
			return nil, err
		}
		users[a.Name] = u
		res.Agents = append(res.Agents, agent.Info(u))

		balance, err := a.Balance.Int()
		if err != nil {
			return nil, err
		}
		if balance.Sign() > 0 {
			_, addr := u.Identity()
			if err := admin.Deal(ctx, addr, balance); err != nil {
				return nil, fmt.Errorf("fund %s: %w", a.Name, err)
			}
		}
	}

	if sc.Token.Deploy {
		token, err := deployToken(ctx, admin)
		if err != nil {
			return nil, err
		}
		res.Token = &token
		logger.Info("token deployed", slog.String("address", token.Hex()))
	}

	// Submit everything first so transfers can share blocks, then collect
	// outcomes in submission order.
	limiter := ratelimit.New(sc.SubmitRate)
	pending := make([]*environment.Pending, 0, len(sc.Transfers))
	for i, t := range sc.Transfers {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("transfer %d: %w", i, err)
		}
		p, err := submitTransfer(ctx, users, res.Token, t)
		if err != nil {
			return nil, fmt.Errorf("transfer %d: %w", i, err)
		}
		pending = append(pending, p)
	}
	for i, p := range pending {
		out, err := p.Wait(ctx)
		if err != nil {
			return nil, fmt.Errorf("transfer %d: %w", i, err)
		}
		if !out.Success {
			logger.Warn("transfer failed",
				slog.Int("index", i),
				slog.String("error", out.Error),
				slog.String("revert_reason", out.RevertReason))
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	return res, nil
}

func deployToken(ctx context.Context, admin *agent.Admin) (common.Address, error) {
	p, err := admin.Deploy(ctx, contracts.ERC20Bytecode)
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy token: %w", err)
	}
	out, err := p.Wait(ctx)
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy token: %w", err)
	}
	if !out.Success || out.ContractAddress == nil {
		return common.Address{}, fmt.Errorf("deploy token: %s", out.Error)
	}
	return *out.ContractAddress, nil
}

func submitTransfer(ctx context.Context, users map[string]*agent.User, token *common.Address, t Transfer) (*environment.Pending, error) {
	from, ok := users[t.From]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sender %q", ErrInvalid, t.From)
	}
	to := resolve(users, t.To)
	amount, err := t.Amount.Int()
	if err != nil {
		return nil, err
	}
	if token != nil {
		return from.Transact(ctx, *token, contracts.EncodeTransfer(to, amount), nil)
	}
	return from.Transact(ctx, to, nil, amount)
}

// resolve maps an agent name to its address; anything else is taken as a
// hex address.
func resolve(users map[string]*agent.User, name string) common.Address {
	if u, ok := users[name]; ok {
		_, addr := u.Identity()
		return addr
	}
	return common.HexToAddress(name)
}
