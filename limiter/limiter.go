package limiter

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ethereum-optimism/infra/op-testhost/metrics"
)

// Config configures a Limiter.
type Config struct {
	// Capacity is the number of hosts that may run at once. Zero or less
	// means runtime.NumCPU().
	Capacity int
	// LaunchRate limits host starts per second. Zero disables the limit.
	LaunchRate float64
	// LaunchBurst is the number of starts allowed at once when LaunchRate is set.
	LaunchBurst int
}

// Limiter bounds the number of live worker processes across every request
// in the process. It is the only state shared between requests.
type Limiter struct {
	capacity int
	sem      *semaphore.Weighted
	launches *rate.Limiter
	inUse    atomic.Int64
	metrics  metrics.Metricer
}

// New creates a Limiter. m may be nil.
func New(cfg Config, m metrics.Metricer) *Limiter {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = runtime.NumCPU()
	}
	capacity = max(capacity, 1)
	if m == nil {
		m = metrics.NoopMetrics
	}

	l := &Limiter{
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(capacity)),
		metrics:  m,
	}
	if cfg.LaunchRate > 0 {
		l.launches = rate.NewLimiter(rate.Limit(cfg.LaunchRate), max(cfg.LaunchBurst, 1))
	}
	return l
}

// Capacity returns the maximum number of concurrent slots.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// InUse returns the number of slots currently held.
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}

// Acquire blocks until a slot is free or ctx ends. When a launch rate is
// configured it also waits for a launch token.
func (l *Limiter) Acquire(ctx context.Context) (*Slot, error) {
	start := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire host slot: %w", err)
	}
	if l.launches != nil {
		if err := l.launches.Wait(ctx); err != nil {
			l.sem.Release(1)
			return nil, fmt.Errorf("failed to wait for launch rate: %w", err)
		}
	}
	l.metrics.RecordSlotAcquired(time.Since(start))
	l.metrics.SetSlotsInUse(int(l.inUse.Add(1)))
	return &Slot{limiter: l}, nil
}

// TryAcquire takes a slot without blocking. It ignores the launch rate.
func (l *Limiter) TryAcquire() (*Slot, bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	l.metrics.SetSlotsInUse(int(l.inUse.Add(1)))
	return &Slot{limiter: l}, true
}

// Slot is one held unit of capacity.
type Slot struct {
	limiter *Limiter
	once    sync.Once
}

// Release returns the slot. Calling it more than once has no effect.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.limiter.metrics.SetSlotsInUse(int(s.limiter.inUse.Add(-1)))
		s.limiter.sem.Release(1)
	})
}
