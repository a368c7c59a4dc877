// Package backend defines the Backend record: an RPC node's identity plus
// the live telemetry the selection policies read.
package backend

import (
	"github.com/protobalancer/balancer/internal/window"
)

// Locality classifies a backend as administratively preferred (Local) or
// not (External). Local backends are preferred over External ones at equal
// block height in both selection policies.
type Locality string

const (
	Local    Locality = "local"
	External Locality = "external"
)

// ParseLocality parses the TOML/API string form of a locality. It accepts
// "local"/"Local"/"LOCAL" and "external"/"External"/"EXTERNAL"; any other
// value yields ok == false and is not mapped to either locality. The caller
// decides what an unrecognized value means: internal/config rejects it as a
// config error.
func ParseLocality(s string) (Locality, bool) {
	switch s {
	case "local", "Local", "LOCAL":
		return Local, true
	case "external", "External", "EXTERNAL":
		return External, true
	default:
		return "", false
	}
}

// Backend is one configured RPC node: its identity (URL pair, chain,
// locality) plus telemetry written by the WebSocket tracker and the
// dispatcher. Identity equality is by URL alone.
type Backend struct {
	URL      string
	WSURL    string
	ChainID  uint64
	Locality Locality

	// Telemetry written only by the WebSocket tracker.
	LastBlock     uint64
	LastBlockTsMs uint64
	CurrentTsMs   uint64

	// AvgLatencyUs is an average of service latency, updated whenever
	// SrvLatenciesUs is pushed to. Until the window is full it is the mean
	// of all samples so far; after that each new sample moves it by
	// 1/capacity of the difference, so it is a moving average rather than
	// the mean of the samples the window holds. Not read by any selection
	// policy; exposed for observability only.
	AvgLatencyUs float64

	// Telemetry written only by the dispatcher, after a successful forward.
	IntraLatenciesUs *window.Window
	SrvLatenciesUs   *window.Window
	ArrivalsTsMs     *window.Window
}

// New constructs a Backend with zeroed telemetry and windows sized to
// capacity.
func New(url, wsURL string, chainID uint64, locality Locality, capacity int) *Backend {
	return &Backend{
		URL:              url,
		WSURL:            wsURL,
		ChainID:          chainID,
		Locality:         locality,
		IntraLatenciesUs: window.New(capacity),
		SrvLatenciesUs:   window.New(capacity),
		ArrivalsTsMs:     window.New(capacity),
	}
}

// Equal reports whether two backends share the same identity (URL).
func (b *Backend) Equal(other *Backend) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.URL == other.URL
}

// Snapshot returns a deep copy of b, safe to read without holding the pool
// lock.
func (b *Backend) Snapshot() *Backend {
	cp := *b
	cp.IntraLatenciesUs = b.IntraLatenciesUs.Clone()
	cp.SrvLatenciesUs = b.SrvLatenciesUs.Clone()
	cp.ArrivalsTsMs = b.ArrivalsTsMs.Clone()
	return &cp
}

// ArrivalsPerMinute computes the RoundRobin throughput key (spec §4.5): 0
// when fewer than two arrival samples are recorded, else
// len / ((front - back) / 60000.0).
func (b *Backend) ArrivalsPerMinute() float64 {
	if b.ArrivalsTsMs.Len() < 2 {
		return 0
	}
	front, _ := b.ArrivalsTsMs.Front()
	back, _ := b.ArrivalsTsMs.Back()
	spanMinutes := float64(front-back) / 60000.0
	if spanMinutes <= 0 {
		return 0
	}
	return float64(b.ArrivalsTsMs.Len()) / spanMinutes
}
