package pool

import (
	"sync"
	"testing"

	"github.com/protobalancer/balancer/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndSnapshot(t *testing.T) {
	p := New()
	p.Append(backend.New("http://a", "ws://a", 1, backend.Local, 10))
	p.Append(backend.New("http://b", "ws://b", 2, backend.External, 10))

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "http://a", snap[0].URL)
	assert.Equal(t, "http://b", snap[1].URL)
}

func TestFilteredSnapshotByChainID(t *testing.T) {
	p := New()
	p.Append(backend.New("http://a", "ws://a", 1, backend.Local, 10))
	p.Append(backend.New("http://b", "ws://b", 2, backend.External, 10))
	p.Append(backend.New("http://c", "ws://c", 1, backend.External, 10))

	filtered := p.FilteredSnapshot(1)
	require.Len(t, filtered, 2)
	assert.Equal(t, "http://a", filtered[0].URL)
	assert.Equal(t, "http://c", filtered[1].URL)

	assert.Empty(t, p.FilteredSnapshot(999))
}

func TestContainsURLIdempotence(t *testing.T) {
	p := New()
	assert.False(t, p.ContainsURL("http://a"))
	p.Append(backend.New("http://a", "ws://a", 1, backend.Local, 10))
	assert.True(t, p.ContainsURL("http://a"))
}

func TestUpdateTelemetryByIndex(t *testing.T) {
	p := New()
	idx := p.Append(backend.New("http://a", "ws://a", 1, backend.Local, 10))
	p.UpdateTelemetry(idx, 100, 1_700_000_000_000, 1_700_000_000_050)

	snap := p.Snapshot()
	assert.Equal(t, uint64(100), snap[0].LastBlock)
	assert.Equal(t, uint64(1_700_000_000_000), snap[0].LastBlockTsMs)
	assert.Equal(t, uint64(1_700_000_000_050), snap[0].CurrentTsMs)
}

func TestUpdateTelemetryOutOfRangeIsNoOp(t *testing.T) {
	p := New()
	p.Append(backend.New("http://a", "ws://a", 1, backend.Local, 10))
	assert.NotPanics(t, func() { p.UpdateTelemetry(99, 1, 2, 3) })
}

func TestRecordForwardPushesWindows(t *testing.T) {
	p := New()
	p.Append(backend.New("http://a", "ws://a", 1, backend.Local, 10))

	ok := p.RecordForward("http://a", 50, 150, 1_700_000_000_000)
	require.True(t, ok)

	snap := p.Snapshot()
	intra, _ := snap[0].IntraLatenciesUs.Front()
	srv, _ := snap[0].SrvLatenciesUs.Front()
	arr, _ := snap[0].ArrivalsTsMs.Front()
	assert.Equal(t, uint64(50), intra)
	assert.Equal(t, uint64(150), srv)
	assert.Equal(t, uint64(1_700_000_000_000), arr)
}

func TestRecordForwardUnknownURLReturnsFalse(t *testing.T) {
	p := New()
	assert.False(t, p.RecordForward("http://missing", 1, 2, 3))
}

// TestConcurrentAppendIsRaceFree is a documentation test: the pool does not
// enforce URL uniqueness itself (that's the dispatcher's ContainsURL check
// before Append), but concurrent Appends must never corrupt the slice.
func TestConcurrentAppendIsRaceFree(t *testing.T) {
	p := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Append(backend.New("http://concurrent", "ws://c", 1, backend.Local, 10))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, p.Len())
}
