package eventlog

import (
	"context"
	"io"
	"iter"
	"sync"

	"github.com/gateway-fm/evmsim/internal/broadcast"
	"github.com/gateway-fm/evmsim/pkg/types"
)

// Stream is a lazy, pull-driven sequence of records. It ends with io.EOF
// once every source has ended and the buffered records are consumed.
//
// A consumer that stops pulling never blocks a source: each subscription
// buffers a bounded number of blocks and discards the oldest on overflow.
type Stream struct {
	ctx  context.Context
	subs []*broadcast.Subscription[types.Block]
	out  chan types.EventRecord

	closeOnce sync.Once
	closed    chan struct{}
}

// Stream finalizes the builder into a live stream over the AddStream sources.
func (b *Builder) Stream(ctx context.Context) (*Stream, error) {
	if err := b.finalize(true); err != nil {
		return nil, err
	}

	s := &Stream{
		ctx:    ctx,
		out:    make(chan types.EventRecord),
		closed: make(chan struct{}),
	}

	var wg sync.WaitGroup
	for i, src := range b.streams {
		sub := src.Subscribe()
		s.subs = append(s.subs, sub)
		label := labelOf(src, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pump(sub, func(block types.Block) []types.EventRecord {
				return records(src, label, block, b.metadata)
			})
		}()
	}
	go func() {
		wg.Wait()
		close(s.out)
	}()

	b.logger.Debug("event stream started", "sources", len(b.streams))
	return s, nil
}

func (s *Stream) pump(sub *broadcast.Subscription[types.Block], convert func(types.Block) []types.EventRecord) {
	for {
		var block types.Block
		var ok bool
		select {
		case block, ok = <-sub.C():
			if !ok {
				return
			}
		case <-s.closed:
			return
		case <-s.ctx.Done():
			return
		}
		for _, rec := range convert(block) {
			select {
			case s.out <- rec:
			case <-s.closed:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// Next returns the next record. It returns io.EOF when the stream has ended
// or was closed, and the context error if ctx or the stream's own context
// is done first.
func (s *Stream) Next(ctx context.Context) (types.EventRecord, error) {
	select {
	case <-s.closed:
		return types.EventRecord{}, io.EOF
	default:
	}
	select {
	case rec, ok := <-s.out:
		if !ok {
			if err := s.ctx.Err(); err != nil {
				return types.EventRecord{}, err
			}
			return types.EventRecord{}, io.EOF
		}
		return rec, nil
	case <-s.closed:
		return types.EventRecord{}, io.EOF
	case <-ctx.Done():
		return types.EventRecord{}, ctx.Err()
	}
}

// All ranges over the remaining records. Breaking out of the loop closes
// the stream.
func (s *Stream) All() iter.Seq[types.EventRecord] {
	return func(yield func(types.EventRecord) bool) {
		defer s.Close()
		for {
			rec, err := s.Next(s.ctx)
			if err != nil {
				return
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Dropped returns how many blocks were discarded because the consumer fell
// behind.
func (s *Stream) Dropped() uint64 {
	var n uint64
	for _, sub := range s.subs {
		n += sub.Dropped()
	}
	return n
}

// Close detaches from every source. It is idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		for _, sub := range s.subs {
			sub.Unsubscribe()
		}
	})
}
