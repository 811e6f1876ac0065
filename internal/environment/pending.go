package environment

import (
	"context"

	"github.com/gateway-fm/evmsim/pkg/types"
)

// Pending is the handle for a submitted request.
type Pending struct {
	Request types.TxRequest

	done    chan struct{}
	outcome types.ExecutionOutcome
	err     error
}

func newPending(req types.TxRequest) *Pending {
	return &Pending{Request: req, done: make(chan struct{})}
}

// resolve is called exactly once by the loop.
func (p *Pending) resolve(out types.ExecutionOutcome, err error) {
	p.outcome = out
	p.err = err
	close(p.done)
}

// Done is closed when the request has been executed or rejected.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the outcome is available or ctx ends. A reverted
// transaction is an outcome with Success false, not an error.
func (p *Pending) Wait(ctx context.Context) (types.ExecutionOutcome, error) {
	select {
	case <-p.done:
		return p.outcome, p.err
	case <-ctx.Done():
		return types.ExecutionOutcome{}, ctx.Err()
	}
}
