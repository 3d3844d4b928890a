package resilience

import (
	"context"
	"sync"
)

// BulkheadConfig configures the bulkhead.
type BulkheadConfig struct {
	// MaxInFlight is the maximum number of concurrent operations.
	// Default: 10
	MaxInFlight int
}

// Bulkhead caps concurrent operations. Acquisition never blocks; callers
// at capacity are rejected immediately so admission failures are visible.
type Bulkhead struct {
	sem chan struct{}

	mu       sync.Mutex
	inFlight int
	peak     int
	rejected int64
}

// NewBulkhead creates a bulkhead with defaults applied.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 10
	}
	return &Bulkhead{sem: make(chan struct{}, config.MaxInFlight)}
}

// Acquire claims a slot, returning ErrBulkheadFull when none is free.
func (b *Bulkhead) Acquire() error {
	select {
	case b.sem <- struct{}{}:
		b.mu.Lock()
		b.inFlight++
		if b.inFlight > b.peak {
			b.peak = b.inFlight
		}
		b.mu.Unlock()
		return nil
	default:
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		return ErrBulkheadFull
	}
}

// Release frees a previously acquired slot.
func (b *Bulkhead) Release() {
	select {
	case <-b.sem:
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	default:
		// Release without acquire; nothing to free.
	}
}

// Execute runs op within the bulkhead.
func (b *Bulkhead) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.Acquire(); err != nil {
		return err
	}
	defer b.Release()
	return op(ctx)
}

// BulkheadSnapshot contains bulkhead statistics.
type BulkheadSnapshot struct {
	InFlight int
	Peak     int
	Free     int
	Rejected int64
}

// Snapshot returns current bulkhead statistics.
func (b *Bulkhead) Snapshot() BulkheadSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BulkheadSnapshot{
		InFlight: b.inFlight,
		Peak:     b.peak,
		Free:     cap(b.sem) - b.inFlight,
		Rejected: b.rejected,
	}
}
