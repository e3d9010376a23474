// ABOUTME: Fixed-capacity admission pools for streaming and non-streaming executions.
// ABOUTME: Acquire fails fast at capacity; each slot releases exactly once.

package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCapacityExceeded is returned when a pool is already at its maximum.
var ErrCapacityExceeded = errors.New("concurrency limit reached")

// Kind names one of the two independent pools.
type Kind string

const (
	Streaming    Kind = "streaming"
	NonStreaming Kind = "non_streaming"
)

// Limits holds the configured maximum for each pool.
type Limits struct {
	MaxStreaming    int
	MaxNonStreaming int
}

// PoolStatus is a point-in-time view of one pool.
type PoolStatus struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

// Status is a point-in-time view of both pools.
type Status struct {
	Streaming    PoolStatus `json:"streaming"`
	NonStreaming PoolStatus `json:"nonStreaming"`
}

// pool is a counter with a ceiling. It never blocks and never queues.
type pool struct {
	mu     sync.Mutex
	active int
	max    int
}

func (p *pool) tryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active >= p.max {
		return false
	}
	p.active++
	return true
}

// release decrements the counter, floored at zero.
func (p *pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active > 0 {
		p.active--
	}
}

func (p *pool) status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStatus{Active: p.active, Max: p.max}
}

// Controller owns both pools. Create one per gateway and pass it where it is
// needed; there is no package-level state.
type Controller struct {
	streaming    pool
	nonStreaming pool
}

// NewController creates a controller with the given limits. Negative limits
// are treated as zero, which rejects every acquire.
func NewController(limits Limits) *Controller {
	return &Controller{
		streaming:    pool{max: max(limits.MaxStreaming, 0)},
		nonStreaming: pool{max: max(limits.MaxNonStreaming, 0)},
	}
}

func (c *Controller) pool(kind Kind) (*pool, error) {
	switch kind {
	case Streaming:
		return &c.streaming, nil
	case NonStreaming:
		return &c.nonStreaming, nil
	default:
		return nil, fmt.Errorf("unknown pool %q", kind)
	}
}

// Acquire takes one slot from the named pool. It returns ErrCapacityExceeded
// immediately when the pool is full. The caller must arrange for Release to
// run on every completion path.
func (c *Controller) Acquire(kind Kind) (*Slot, error) {
	p, err := c.pool(kind)
	if err != nil {
		return nil, err
	}
	if !p.tryAcquire() {
		return nil, fmt.Errorf("%s pool: %w", kind, ErrCapacityExceeded)
	}
	return &Slot{kind: kind, pool: p}, nil
}

// AcquireContext acquires a slot and also schedules its release for when ctx
// is done. This covers client disconnects that happen while the handler is
// blocked elsewhere. The returned slot must still be released by the caller;
// the two signals are deduplicated by the slot.
func (c *Controller) AcquireContext(ctx context.Context, kind Kind) (*Slot, error) {
	slot, err := c.Acquire(kind)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	slot.stop = context.AfterFunc(ctx, slot.Release)
	slot.mu.Unlock()
	return slot, nil
}

// Status returns a snapshot of both pools.
func (c *Controller) Status() Status {
	return Status{
		Streaming:    c.streaming.status(),
		NonStreaming: c.nonStreaming.status(),
	}
}

// Available reports whether at least one pool can admit a request.
func (c *Controller) Available() bool {
	s := c.Status()
	return s.Streaming.Active < s.Streaming.Max || s.NonStreaming.Active < s.NonStreaming.Max
}

// Slot is one unit of admitted capacity.
type Slot struct {
	kind Kind
	pool *pool
	once sync.Once

	mu   sync.Mutex
	stop func() bool
}

// Kind returns the pool the slot was taken from.
func (s *Slot) Kind() Kind {
	return s.kind
}

// Release returns the slot to its pool. Only the first call has an effect,
// so normal completion, error paths and disconnect callbacks may all call it.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		s.pool.release()
	})
}
