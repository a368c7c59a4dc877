// Package pool implements the single shared, mutex-guarded collection of
// Backend records that the dispatcher reads and the WebSocket trackers and
// add-backend path write.
package pool

import (
	"sync"

	"github.com/protobalancer/balancer/internal/backend"
)

// Pool is an append-only, mutex-guarded sequence of Backends. At most one
// Backend per URL may be present; once appended, a Backend's index is
// stable for the lifetime of the process (the core never removes entries).
//
// Every exported method acquires the mutex only for the duration of its own
// structural operation. Callers must never hold a reference returned by
// Snapshot/FilteredSnapshot across the lock — those methods already return
// deep copies so that outbound I/O never happens while the lock is held.
type Pool struct {
	mu       sync.Mutex
	backends []*backend.Backend
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{}
}

// Snapshot returns a deep copy of every backend currently in the pool.
func (p *Pool) Snapshot() []*backend.Backend {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*backend.Backend, len(p.backends))
	for i, b := range p.backends {
		out[i] = b.Snapshot()
	}
	return out
}

// FilteredSnapshot returns a deep copy of every backend whose ChainID
// matches chainID.
func (p *Pool) FilteredSnapshot(chainID uint64) []*backend.Backend {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*backend.Backend
	for _, b := range p.backends {
		if b.ChainID == chainID {
			out = append(out, b.Snapshot())
		}
	}
	return out
}

// Len returns the number of backends in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backends)
}

// ContainsURL reports whether a backend with the given URL is already
// present.
func (p *Pool) ContainsURL(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.URL == url {
			return true
		}
	}
	return false
}

// Append adds b to the pool and returns its stable index. Callers must
// check ContainsURL first if they need add-if-absent semantics; Append
// itself does not deduplicate.
func (p *Pool) Append(b *backend.Backend) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends = append(p.backends, b)
	return len(p.backends) - 1
}

// UpdateTelemetry atomically writes the WebSocket-tracker-owned telemetry
// fields (last block, block timestamp, arrival wall clock) for the backend
// at index. A stale index (already out of range, which cannot happen since
// the pool never shrinks) is a silent no-op.
func (p *Pool) UpdateTelemetry(index int, lastBlock, lastBlockTsMs, currentTsMs uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.backends) {
		return
	}
	b := p.backends[index]
	b.LastBlock = lastBlock
	b.LastBlockTsMs = lastBlockTsMs
	b.CurrentTsMs = currentTsMs
}

// RecordForward appends a successful forward's measurements to the
// backend's rolling windows, found by URL equality. Returns false if no
// backend with that URL exists (it may have been looked up from a stale
// snapshot taken before a concurrent add — callers should treat this as a
// best-effort writeback, not an error).
func (p *Pool) RecordForward(url string, intraLatencyUs, srvLatencyUs, arrivalTsMs uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.backends {
		if b.URL != url {
			continue
		}
		b.IntraLatenciesUs.Push(intraLatencyUs)
		b.SrvLatenciesUs.Push(srvLatencyUs)
		b.ArrivalsTsMs.Push(arrivalTsMs)

		n := float64(b.SrvLatenciesUs.Len())
		b.AvgLatencyUs += (float64(srvLatencyUs) - b.AvgLatencyUs) / n
		return true
	}
	return false
}
