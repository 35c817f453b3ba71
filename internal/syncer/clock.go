package syncer

import (
	"fmt"
	"sync"
	"time"
)

// Clock produces ordering timestamps for SyncEvents.
type Clock interface {
	// Now returns the timestamp for a locally originated change.
	Now() int64
	// Observe feeds a timestamp seen on a remote change.
	Observe(ts int64)
}

// Clock strategy names accepted by NewClock.
const (
	ClockWall   = "wall"
	ClockHybrid = "hybrid"
)

// NewClock returns the clock for a strategy name. An empty name selects the
// wall clock.
func NewClock(strategy string) (Clock, error) {
	switch strategy {
	case "", ClockWall:
		return WallClock{}, nil
	case ClockHybrid:
		return NewHybridClock(nil), nil
	default:
		return nil, fmt.Errorf("unknown clock strategy %q", strategy)
	}
}

// WallClock stamps changes with wall-clock milliseconds. It can misorder
// changes from hosts with skewed clocks.
type WallClock struct{}

func (WallClock) Now() int64    { return time.Now().UnixMilli() }
func (WallClock) Observe(int64) {}

// HybridClock stays close to wall-clock milliseconds but never goes
// backwards and always moves past every timestamp it has observed, so a
// change made after seeing a remote one orders after it regardless of skew.
type HybridClock struct {
	wall func() int64

	mu   sync.Mutex
	last int64
}

// NewHybridClock returns a hybrid clock reading physical time from wall, or
// from the system clock when wall is nil.
func NewHybridClock(wall func() int64) *HybridClock {
	if wall == nil {
		wall = func() int64 { return time.Now().UnixMilli() }
	}
	return &HybridClock{wall: wall}
}

func (c *HybridClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.wall()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

func (c *HybridClock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}
