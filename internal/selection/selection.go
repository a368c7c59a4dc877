// Package selection implements the pluggable backend ordering policies the
// dispatcher uses to pick which backend to try first.
package selection

import (
	"sort"

	"github.com/protobalancer/balancer/internal/backend"
)

// Algo is the configured selection algorithm.
type Algo string

const (
	MinLatency Algo = "min_latency"
	RoundRobin Algo = "round_robin"
	Broadcast  Algo = "broadcast"
)

// ParseAlgo parses the TOML `algo` value. Unrecognized values are reported
// via the second return value; callers default to MinLatency, matching the
// original implementation's fallback.
func ParseAlgo(s string) (Algo, bool) {
	switch Algo(s) {
	case MinLatency, RoundRobin, Broadcast:
		return Algo(s), true
	default:
		return "", false
	}
}

// Sort reorders backends in place according to algo and returns it for
// convenience. Broadcast is representable but has no dedicated ordering:
// when it is the configured algo, the dispatcher's sequential path still
// calls Sort and gets the MinLatency ordering — matching the original
// implementation's sort_rpc_list_by_algo default arm. Fan-out happens only
// for eth_sendRawTransaction, independent of the configured algo.
func Sort(algo Algo, backends []*backend.Backend) []*backend.Backend {
	switch algo {
	case RoundRobin:
		return roundRobinSort(backends)
	case MinLatency, Broadcast:
		return minLatencySort(backends)
	default:
		return minLatencySort(backends)
	}
}

// compareLocality orders Local before External; equal localities compare
// equal.
func compareLocality(a, b backend.Locality) int {
	if a == b {
		return 0
	}
	if a == backend.Local {
		return -1
	}
	return 1
}

// minLatencySort orders by last_block descending, then Local before
// External, then current_ts ascending (spec §4.5, §8).
func minLatencySort(backends []*backend.Backend) []*backend.Backend {
	sort.SliceStable(backends, func(i, j int) bool {
		a, b := backends[i], backends[j]
		if a.LastBlock != b.LastBlock {
			return a.LastBlock > b.LastBlock
		}
		if loc := compareLocality(a.Locality, b.Locality); loc != 0 {
			return loc < 0
		}
		return a.CurrentTsMs < b.CurrentTsMs
	})
	return backends
}

// roundRobinSort orders by last_block descending, then Local before
// External, then arrivals-per-minute ascending (spec §4.5, §8).
func roundRobinSort(backends []*backend.Backend) []*backend.Backend {
	sort.SliceStable(backends, func(i, j int) bool {
		a, b := backends[i], backends[j]
		if a.LastBlock != b.LastBlock {
			return a.LastBlock > b.LastBlock
		}
		if loc := compareLocality(a.Locality, b.Locality); loc != 0 {
			return loc < 0
		}
		return a.ArrivalsPerMinute() < b.ArrivalsPerMinute()
	})
	return backends
}
