// Package environment runs a single simulated chain.
//
// An Environment owns one backend and mutates it only from its loop
// goroutine. Transaction requests arrive over a bounded channel, lifecycle
// commands over a control channel, and sealed blocks leave through a
// broadcaster. The lifecycle is:
//
//	Initialization -> Running <-> Paused
//	any non-Stopped state -> Stopped (terminal)
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/evmsim/internal/backend"
	"github.com/gateway-fm/evmsim/internal/broadcast"
	"github.com/gateway-fm/evmsim/internal/metrics"
	"github.com/gateway-fm/evmsim/pkg/types"
)

var (
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrEnvironmentStopped = errors.New("environment stopped")
	ErrInvalidParameters  = errors.New("invalid environment parameters")

	// ErrAlreadyStopped also matches ErrInvalidTransition.
	ErrAlreadyStopped = fmt.Errorf("%w: environment already stopped", ErrInvalidTransition)
)

const (
	DefaultQueueSize = 1024
	minTickInterval  = time.Millisecond
)

// Option configures an Environment.
type Option func(*Environment)

// WithBackend replaces the default EVM backend.
func WithBackend(b backend.Backend) Option {
	return func(e *Environment) { e.backend = b }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Environment) { e.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Prometheus) Option {
	return func(e *Environment) { e.metrics = m }
}

// WithQueueSize sets how many submitted requests may wait for execution.
func WithQueueSize(n int) Option {
	return func(e *Environment) { e.queueSize = n }
}

// WithSubscriberBuffer sets the per-subscriber block buffer.
func WithSubscriberBuffer(n int) Option {
	return func(e *Environment) { e.subBuffer = n }
}

// Environment is an isolated simulated chain with its own lifecycle.
type Environment struct {
	label     string
	params    types.EnvironmentParameters
	logger    *slog.Logger
	metrics   *metrics.Prometheus
	backend   backend.Backend
	queueSize int
	subBuffer int

	state atomic.Int32
	block atomic.Uint64

	requests chan *Pending
	control  chan command
	stopping chan struct{}
	done     chan struct{}

	// mu serialises Submit against the loop closing the queue.
	mu     sync.RWMutex
	closed bool

	events   *broadcast.Broadcaster[types.Block]
	queued   metrics.Depth
	executed metrics.Tally
	failed   metrics.Tally
	dropped  metrics.Tally

	errMu sync.Mutex
	err   error

	// Loop-owned.
	dirty  bool
	ticker *time.Ticker
}

// New validates params and starts the environment loop in Initialization.
func New(label string, params types.EnvironmentParameters, opts ...Option) (*Environment, error) {
	if label == "" {
		return nil, fmt.Errorf("%w: empty label", ErrInvalidParameters)
	}
	if math.IsNaN(params.BlockRate) || math.IsInf(params.BlockRate, 0) || params.BlockRate < 0 {
		return nil, fmt.Errorf("%w: block rate %v", ErrInvalidParameters, params.BlockRate)
	}

	e := &Environment{
		label:     label,
		params:    params,
		queueSize: DefaultQueueSize,
		subBuffer: broadcast.DefaultBuffer,
		control:   make(chan command),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("environment", label))
	if e.queueSize <= 0 {
		e.queueSize = DefaultQueueSize
	}
	if e.backend == nil {
		b, err := backend.NewEVM(backend.Config{
			Seed:      params.Seed,
			BlockRate: params.BlockRate,
			Logger:    e.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create backend: %w", err)
		}
		e.backend = b
	}

	e.requests = make(chan *Pending, e.queueSize)
	e.events = broadcast.New[types.Block](e.subBuffer, func(n int) {
		e.dropped.Add(uint64(n))
		e.metrics.RecordDropped(label, n)
	})
	e.block.Store(e.backend.BlockNumber())
	e.setState(types.StateInitialization)

	go e.run()
	return e, nil
}

func (e *Environment) Label() string { return e.label }

func (e *Environment) Parameters() types.EnvironmentParameters { return e.params }

// State returns the current lifecycle state. Safe from any goroutine.
func (e *Environment) State() types.State {
	return types.State(e.state.Load())
}

// BlockNumber returns the number of the block currently being built.
func (e *Environment) BlockNumber() uint64 {
	return e.block.Load()
}

// QueueDepth returns how many submitted requests await execution.
func (e *Environment) QueueDepth() int {
	return int(e.queued.Load())
}

// Executed returns how many transactions have been applied.
func (e *Environment) Executed() uint64 { return e.executed.Load() }

// Failed returns how many applied transactions did not succeed.
func (e *Environment) Failed() uint64 { return e.failed.Load() }

// Dropped returns how many blocks were evicted from slow subscribers.
func (e *Environment) Dropped() uint64 { return e.dropped.Load() }

// Err returns the fatal error that stopped the loop, if any.
func (e *Environment) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Done is closed once the loop has exited.
func (e *Environment) Done() <-chan struct{} {
	return e.done
}

// Status summarises the environment.
func (e *Environment) Status() types.EnvironmentStatus {
	st := types.EnvironmentStatus{
		Label:       e.label,
		State:       e.State(),
		Parameters:  e.params,
		BlockNumber: e.BlockNumber(),
		QueueDepth:  e.QueueDepth(),
	}
	if err := e.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Subscribe returns an independent subscription to sealed blocks. It ends
// when the environment stops.
func (e *Environment) Subscribe() *broadcast.Subscription[types.Block] {
	return e.events.Subscribe()
}

// SubscribeAll is Subscribe without the drop-oldest bound: a slow reader
// queues blocks in memory instead of losing them.
func (e *Environment) SubscribeAll() *broadcast.Subscription[types.Block] {
	return e.events.SubscribeAll()
}

func (e *Environment) setState(s types.State) {
	e.state.Store(int32(s))
	e.metrics.SetState(e.label, s)
}

// Submit enqueues req. It blocks only while the queue is full and returns
// once the request is accepted, not when it has executed.
func (e *Environment) Submit(ctx context.Context, req types.TxRequest) (*Pending, error) {
	if err := backend.ValidateRequest(req); err != nil {
		e.metrics.RecordRejected(e.label)
		return nil, err
	}
	p := newPending(req)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEnvironmentStopped
	}

	e.queued.Inc()
	select {
	case e.requests <- p:
		e.metrics.SetQueueDepth(e.label, e.QueueDepth())
		return p, nil
	case <-e.stopping:
		e.queued.Release(1)
		return nil, ErrEnvironmentStopped
	case <-ctx.Done():
		e.queued.Release(1)
		return nil, ctx.Err()
	}
}

// Execute submits req and waits for its outcome.
func (e *Environment) Execute(ctx context.Context, req types.TxRequest) (types.ExecutionOutcome, error) {
	p, err := e.Submit(ctx, req)
	if err != nil {
		return types.ExecutionOutcome{}, err
	}
	return p.Wait(ctx)
}

// Start moves the environment from Initialization or Paused to Running.
func (e *Environment) Start() error {
	return e.lifecycle(cmdStart)
}

// Pause moves a Running environment to Paused. Queued requests are kept.
func (e *Environment) Pause() error {
	return e.lifecycle(cmdPause)
}

// Stop executes any queued requests, seals the final block, ends every
// subscription and waits for the loop to exit.
func (e *Environment) Stop() error {
	err := e.lifecycle(cmdStop)
	if errors.Is(err, ErrAlreadyStopped) {
		return err
	}
	<-e.done
	return err
}

func (e *Environment) lifecycle(kind commandKind) error {
	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case e.control <- cmd:
		return <-cmd.reply
	case <-e.done:
		return ErrAlreadyStopped
	}
}

// do runs fn on the loop goroutine. It is the only way to reach the backend
// outside the transaction queue.
func (e *Environment) do(ctx context.Context, fn func(backend.Backend) error) error {
	cmd := command{kind: cmdDo, fn: fn, reply: make(chan error, 1)}
	select {
	case e.control <- cmd:
	case <-e.done:
		return ErrEnvironmentStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
