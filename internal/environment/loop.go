package environment

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/evmsim/internal/backend"
	"github.com/gateway-fm/evmsim/pkg/types"
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdStop
	cmdDo
)

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdPause:
		return "pause"
	case cmdStop:
		return "stop"
	default:
		return "do"
	}
}

type command struct {
	kind  commandKind
	fn    func(backend.Backend) error
	reply chan error
}

// run is the single writer of the backend.
func (e *Environment) run() {
	defer close(e.done)
	defer e.stopTicker()

	for {
		// A nil channel blocks forever, so requests are only dequeued while Running.
		var requests chan *Pending
		if e.State() == types.StateRunning {
			requests = e.requests
		}
		var tick <-chan time.Time
		if e.ticker != nil {
			tick = e.ticker.C
		}

		select {
		case cmd := <-e.control:
			if exit := e.handle(cmd); exit {
				return
			}

		case p := <-requests:
			if err := e.apply(p); err != nil {
				e.fail(err)
				return
			}

		case <-tick:
			if err := e.seal(); err != nil {
				e.fail(err)
				return
			}
		}
	}
}

// handle applies one control command and reports whether the loop must exit.
func (e *Environment) handle(cmd command) bool {
	if cmd.kind == cmdDo {
		cmd.reply <- cmd.fn(e.backend)
		return false
	}

	from := e.State()
	switch cmd.kind {
	case cmdStart:
		if from != types.StateInitialization && from != types.StatePaused {
			cmd.reply <- fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, from)
			return false
		}
		e.startTicker()
		e.setState(types.StateRunning)

	case cmdPause:
		if from != types.StateRunning {
			cmd.reply <- fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, from)
			return false
		}
		e.stopTicker()
		if err := e.seal(); err != nil {
			cmd.reply <- err
			e.fail(err)
			return true
		}
		e.setState(types.StatePaused)

	case cmdStop:
		err := e.shutdown()
		cmd.reply <- err
		e.logger.Info("environment stopped",
			slog.String("from", from.String()),
			slog.Uint64("executed", e.executed.Load()))
		return true
	}

	e.logger.Info("environment state changed",
		slog.String("from", from.String()),
		slog.String("to", e.State().String()))
	cmd.reply <- nil
	return false
}

func (e *Environment) automine() bool {
	return e.params.BlockRate == 0
}

func (e *Environment) startTicker() {
	if e.automine() || e.ticker != nil {
		return
	}
	interval := time.Duration(float64(time.Second) / e.params.BlockRate)
	if interval < minTickInterval {
		interval = minTickInterval
	}
	e.ticker = time.NewTicker(interval)
}

func (e *Environment) stopTicker() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
}

// apply executes one request and resolves its handle.
func (e *Environment) apply(p *Pending) error {
	e.queued.Release(1)
	e.metrics.SetQueueDepth(e.label, e.QueueDepth())

	start := time.Now()
	out, err := e.backend.Execute(p.Request)
	if err != nil {
		p.resolve(types.ExecutionOutcome{}, err)
		return nil
	}
	e.metrics.RecordTx(e.label, out.Success, out.GasUsed, time.Since(start).Seconds())
	e.executed.Inc()
	if !out.Success {
		e.failed.Inc()
	}
	e.dirty = true

	// Under automine the outcome is only handed out once its block is
	// committed and published.
	if e.automine() {
		if err := e.seal(); err != nil {
			p.resolve(types.ExecutionOutcome{}, err)
			return err
		}
	}
	p.resolve(out, nil)
	return nil
}

// seal commits the open block, if it holds anything, and broadcasts it.
func (e *Environment) seal() error {
	if !e.dirty {
		return nil
	}
	block, err := e.backend.Seal()
	if err != nil {
		return fmt.Errorf("seal block: %w", err)
	}
	e.dirty = false
	e.block.Store(e.backend.BlockNumber())
	e.metrics.RecordBlock(e.label, len(block.Logs))

	if block.Transactions > 0 {
		e.events.Publish(block)
	}
	return nil
}

// shutdown refuses new submissions, drains the queue, seals and ends the broadcast.
func (e *Environment) shutdown() error {
	e.stopTicker()
	close(e.stopping)

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	var sealErr error
drain:
	for {
		select {
		case p := <-e.requests:
			if err := e.apply(p); err != nil {
				sealErr = err
				break drain
			}
		default:
			break drain
		}
	}
	if sealErr == nil {
		sealErr = e.seal()
	}
	if sealErr != nil {
		e.setErr(sealErr)
		e.rejectQueued(sealErr)
	}

	e.events.Close()
	e.setState(types.StateStopped)
	return sealErr
}

// fail stops the environment after an unrecoverable backend error.
func (e *Environment) fail(err error) {
	e.logger.Error("environment failed", slog.String("error", err.Error()))
	e.setErr(err)
	e.stopTicker()

	select {
	case <-e.stopping:
	default:
		close(e.stopping)
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.rejectQueued(err)
	e.events.Close()
	e.setState(types.StateStopped)
}

func (e *Environment) rejectQueued(err error) {
	for {
		select {
		case p := <-e.requests:
			e.queued.Release(1)
			p.resolve(types.ExecutionOutcome{}, fmt.Errorf("%w: %v", ErrEnvironmentStopped, err))
		default:
			return
		}
	}
}

func (e *Environment) setErr(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.err == nil {
		e.err = err
	}
}
