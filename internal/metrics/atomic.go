package metrics

import "sync/atomic"

// Depth is a lock-free queue depth that never drops below zero. The
// environment loop and submitters both move it, and a request can be
// released from more than one path, so a plain add could go negative.
type Depth struct {
	v atomic.Int64
}

// Inc records one more queued item.
func (d *Depth) Inc() int64 {
	return d.v.Add(1)
}

// Release removes n items, stopping at zero.
func (d *Depth) Release(n int64) int64 {
	for {
		cur := d.v.Load()
		next := max(cur-n, 0)
		if d.v.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Load returns the current depth.
func (d *Depth) Load() int64 {
	return d.v.Load()
}

// Tally is a monotonically increasing counter read by status endpoints
// without going through Prometheus.
type Tally struct {
	v atomic.Uint64
}

// Add adds n.
func (t *Tally) Add(n uint64) uint64 {
	return t.v.Add(n)
}

// Inc adds one.
func (t *Tally) Inc() uint64 {
	return t.v.Add(1)
}

// Load returns the current count.
func (t *Tally) Load() uint64 {
	return t.v.Load()
}
