// Package admission implements the node-wide Admission Pool: a counting
// semaphore over bytes of linear memory budget that gates instance
// loads. Structurally this is the teacher's
// internal/budget.Bucket token bucket, adapted from a timer-refilled
// action budget into an acquire/release byte budget, mutex-guarded
// counters plus atomic lifetime totals for metrics, no timer goroutine.
package admission

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Pool is a thread-safe counting semaphore over a byte budget.
type Pool struct {
	mu       sync.Mutex
	capacity int64
	granted  int64

	grantsTotal   atomic.Uint64
	releasesTotal atomic.Uint64
	deniedTotal   atomic.Uint64
}

// NewPool creates a Pool with the given byte capacity. capacity must be
// > 0.
func NewPool(capacity int64) *Pool {
	if capacity <= 0 {
		panic("admission.Pool: capacity must be > 0")
	}
	return &Pool{capacity: capacity}
}

// Permit represents bytes granted by the pool. Release returns them.
type Permit struct {
	pool  *Pool
	bytes int64
}

// Bytes returns the size of this permit.
func (p Permit) Bytes() int64 { return p.bytes }

// TryAcquire is non-blocking: it is a single try, matching
// increase_memory's non-blocking try_acquire semantics. Callers that
// need to wait for permits (initial instance load) poll via TryAcquire
// in the execution loop's WaitingForPermit state, retrying every 50ms
// and giving up when the instance's stop request is set.
func (p *Pool) TryAcquire(bytes int64) (Permit, bool) {
	if bytes <= 0 {
		return Permit{pool: p}, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.granted+bytes > p.capacity {
		p.deniedTotal.Add(1)
		return Permit{}, false
	}
	p.granted += bytes
	p.grantsTotal.Add(1)
	return Permit{pool: p, bytes: bytes}, true
}

// Release returns the permit's bytes to the pool. Safe to call once;
// calling it twice on the same Permit double-releases and is a caller
// bug, same as releasing a mutex twice.
func (p *Pool) Release(permit Permit) {
	if permit.pool == nil || permit.bytes == 0 {
		return
	}
	p.mu.Lock()
	p.granted -= permit.bytes
	if p.granted < 0 {
		p.granted = 0
	}
	p.mu.Unlock()
	p.releasesTotal.Add(1)
}

// InUse returns the bytes currently granted.
func (p *Pool) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted
}

// Capacity returns the configured byte budget.
func (p *Pool) Capacity() int64 { return p.capacity }

// GrantsTotal, ReleasesTotal, DeniedTotal expose lifetime counters for
// the observability package to mirror into Prometheus metrics.
func (p *Pool) GrantsTotal() uint64   { return p.grantsTotal.Load() }
func (p *Pool) ReleasesTotal() uint64 { return p.releasesTotal.Load() }
func (p *Pool) DeniedTotal() uint64   { return p.deniedTotal.Load() }

// EstimateBytes computes k * (linearMemory + 2*componentSize), the
// admission estimate formula.
func EstimateBytes(k float64, linearMemory, componentSize int64) int64 {
	return int64(k * float64(linearMemory+2*componentSize))
}

func (p Permit) String() string {
	return fmt.Sprintf("permit(%d bytes)", p.bytes)
}
