package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/evmsim/internal/broadcast"
	"github.com/gateway-fm/evmsim/pkg/types"
)

// writerQueue bounds how many batches a writer may lag behind the dispatcher.
const writerQueue = 64

// Task is a running durable capture.
type Task struct {
	logger *slog.Logger
	paths  map[types.FileType]string
	subs   []*broadcast.Subscription[types.Block]

	records atomic.Uint64
	finish  sync.Once
	done    chan struct{}
	err     error
}

// Run finalizes the builder, opens one output per requested format and
// starts capturing. Each record reaches every format in the same order.
func (b *Builder) Run(ctx context.Context) (*Task, error) {
	if err := b.finalize(false); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	labels := make([]string, len(b.sources))
	for i, s := range b.sources {
		labels[i] = s.label
	}

	t := &Task{
		logger: b.logger.With(slog.String("basename", b.basename)),
		paths:  make(map[types.FileType]string, len(b.fileTypes)),
		done:   make(chan struct{}),
	}

	writers := make(map[types.FileType]recordWriter, len(b.fileTypes))
	for _, ft := range b.fileTypes {
		path := filepath.Join(b.dir, b.basename+ft.Extension())
		w, err := openWriter(ft, writerConfig{
			path:     path,
			runID:    b.basename,
			sources:  labels,
			metadata: b.metadata,
		})
		if err != nil {
			for _, open := range writers {
				_ = open.Close()
			}
			return nil, fmt.Errorf("open %s writer: %w", ft, err)
		}
		writers[ft] = w
		t.paths[ft] = path
	}

	// Subscribe only once every output is open so no block is missed.
	for _, s := range b.sources {
		sub, complete := subscribeAll(s.src)
		if !complete {
			t.logger.Warn("source cannot subscribe losslessly, records may be dropped",
				slog.String("source", s.label))
		}
		t.subs = append(t.subs, sub)
	}

	g, gctx := errgroup.WithContext(ctx)
	merged := make(chan []types.EventRecord)

	var readers sync.WaitGroup
	for i, s := range b.sources {
		sub := t.subs[i]
		readers.Add(1)
		g.Go(func() error {
			defer readers.Done()
			return forward(gctx, sub, func(block types.Block) []types.EventRecord {
				return records(s.src, s.label, block, b.metadata)
			}, merged)
		})
	}
	go func() {
		readers.Wait()
		close(merged)
	}()

	queues := make(map[types.FileType]chan []types.EventRecord, len(writers))
	for ft, w := range writers {
		q := make(chan []types.EventRecord, writerQueue)
		queues[ft] = q
		g.Go(func() error {
			return drain(w, ft, q, b)
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for batch := range merged {
			t.records.Add(uint64(len(batch)))
			for _, q := range queues {
				select {
				case q <- batch:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})

	go func() {
		t.err = g.Wait()
		for _, sub := range t.subs {
			sub.Unsubscribe()
		}
		if n := t.Dropped(); n > 0 {
			t.logger.Warn("event log lost blocks", slog.Uint64("dropped_blocks", n))
			if t.err == nil {
				t.err = fmt.Errorf("%w: %d blocks", ErrRecordsDropped, n)
			}
		}
		if t.err != nil {
			t.logger.Error("event log failed", slog.String("error", t.err.Error()))
		} else {
			t.logger.Info("event log finished", slog.Uint64("records", t.records.Load()))
		}
		close(t.done)
	}()

	t.logger.Info("event log started",
		slog.Any("sources", labels),
		slog.Any("formats", b.fileTypes),
		slog.String("dir", b.dir))
	return t, nil
}

// forward reads sub until it ends, sending each non-empty batch to out.
func forward(ctx context.Context, sub *broadcast.Subscription[types.Block], convert func(types.Block) []types.EventRecord, out chan<- []types.EventRecord) error {
	for {
		select {
		case block, ok := <-sub.C():
			if !ok {
				return nil
			}
			batch := convert(block)
			if len(batch) == 0 {
				continue
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain feeds q into w and always closes w so partial outputs stay readable.
// A write error is returned at once, which cancels the whole task.
func drain(w recordWriter, ft types.FileType, q <-chan []types.EventRecord, b *Builder) error {
	for batch := range q {
		if err := w.Write(batch); err != nil {
			_ = w.Close()
			return fmt.Errorf("write %s: %w", ft, err)
		}
		b.metrics.RecordWritten(ft, len(batch))
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", ft, err)
	}
	return nil
}

// Paths returns the output file of every format.
func (t *Task) Paths() map[types.FileType]string {
	out := make(map[types.FileType]string, len(t.paths))
	for k, v := range t.paths {
		out[k] = v
	}
	return out
}

// Dropped returns how many blocks the sources discarded before the task
// read them. It stays zero for sources that support lossless subscriptions.
func (t *Task) Dropped() uint64 {
	var n uint64
	for _, sub := range t.subs {
		n += sub.Dropped()
	}
	return n
}

// Records returns how many records have been dispatched so far.
func (t *Task) Records() uint64 {
	return t.records.Load()
}

// Done is closed once every output is flushed and closed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until every source has ended and the outputs are closed.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Finish stops capturing, flushes what has been received and waits.
func (t *Task) Finish() error {
	t.finish.Do(func() {
		for _, sub := range t.subs {
			sub.Unsubscribe()
		}
	})
	return t.Wait()
}
