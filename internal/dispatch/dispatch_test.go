package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/protobalancer/balancer/internal/backend"
	"github.com/protobalancer/balancer/internal/pool"
	"github.com/protobalancer/balancer/internal/selection"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *pool.Pool) {
	t.Helper()
	p := pool.New()
	d := New(context.Background(), p, selection.MinLatency, http.DefaultClient, zap.NewNop(), 10)
	return d, p
}

func TestHandleInvalidJSONReturnsBadRequestEnvelope(t *testing.T) {
	d, _ := newTestDispatcher(t)
	got := d.Handle(10, []byte("{"))
	assert.JSONEq(t, `{"id":null,"jsonrpc":"2.0","error":"400: Invalid Json"}`, string(got))
}

func TestHandleZeroChainIDRejectsOrdinaryCall(t *testing.T) {
	d, _ := newTestDispatcher(t)
	got := d.Handle(0, []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`))
	assert.JSONEq(t, `{"id":null,"jsonrpc":"2.0","error":"400: chain_id path required (i.e. https://127.0.0.1:3000/10)"}`, string(got))
}

func TestHandleEmptyPoolForChainReturnsNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	got := d.Handle(42, []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`))
	assert.JSONEq(t, `{"id":null,"jsonrpc":"2.0","error":"404: No RPC nodes found for the specified chain ID"}`, string(got))
}

func TestHandleForwardsToLocalBackendFirst(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x64"}`))
	}))
	defer upstream.Close()
	var externalHits int32
	external := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&externalHits, 1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xext"}`))
	}))
	defer external.Close()

	d, p := newTestDispatcher(t)
	// The external backend is appended first at the same tip, so only the
	// locality key can put the local one ahead of it.
	e := backend.New(external.URL, "", 10, backend.External, 10)
	e.LastBlock = 100
	p.Append(e)
	a := backend.New(upstream.URL, "", 10, backend.Local, 10)
	a.LastBlock = 100
	p.Append(a)

	reqBody := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`)
	got := d.Handle(10, reqBody)

	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"0x64"}`, string(got))
	assert.Equal(t, reqBody, gotBody)
	assert.Equal(t, int32(0), atomic.LoadInt32(&externalHits))

	backends := p.Snapshot()
	require.Len(t, backends, 2)
	assert.Equal(t, 1, backends[1].IntraLatenciesUs.Len())
}

func TestHandleSequentialFailoverSkipsErrorStatusAndTriesNext(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer good.Close()

	d, p := newTestDispatcher(t)
	// bad has the fresher tip so it sorts first under MinLatency.
	a := backend.New(bad.URL, "", 10, backend.Local, 10)
	a.LastBlock = 200
	b := backend.New(good.URL, "", 10, backend.Local, 10)
	b.LastBlock = 100
	p.Append(a)
	p.Append(b)

	got := d.Handle(10, []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"0x1"}`, string(got))
}

func TestHandleAddBackendIsIdempotentOnURL(t *testing.T) {
	d, p := newTestDispatcher(t)
	req := []byte(`{"url":"http://x","ws_url":"ws://x","chain_id":1,"rpc_location":"local"}`)

	first := d.Handle(0, req)
	assert.JSONEq(t, `{"id":1,"jsonrpc":"2.0","result":"Rpc added successfully"}`, string(first))

	second := d.Handle(0, req)
	assert.JSONEq(t, `{"id":1,"jsonrpc":"2.0","result":"Rpc already added"}`, string(second))

	assert.Equal(t, 1, p.Len())
}

func TestHandleAddBackendBatchConcatenatesResponses(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := []byte(`[{"url":"http://a","ws_url":"ws://a","chain_id":1,"rpc_location":"local"},{"url":"http://b","ws_url":"ws://b","chain_id":1,"rpc_location":"external"}]`)

	got := d.Handle(0, req)
	assert.Contains(t, string(got), `"result":"Rpc added successfully"`)
	assert.True(t, got[0] == '[' && got[len(got)-1] == ']')
}

func TestBroadcastReturnsFirstNonNullResult(t *testing.T) {
	nullResult := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer nullResult.Close()
	realResult := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xhash"}`))
	}))
	defer realResult.Close()

	d, p := newTestDispatcher(t)
	p.Append(backend.New(nullResult.URL, "", 10, backend.Local, 10))
	p.Append(backend.New(realResult.URL, "", 10, backend.Local, 10))

	got := d.Handle(10, []byte(`{"jsonrpc":"2.0","method":"eth_sendRawTransaction","params":["0xdead"],"id":1}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"0xhash"}`, string(got))

	// broadcast never writes latency windows.
	for _, b := range p.Snapshot() {
		assert.Equal(t, 0, b.IntraLatenciesUs.Len())
	}
}

func TestBroadcastFiltersByChainIDEvenWhenZero(t *testing.T) {
	var zeroHits, nonZeroHits int32
	zeroChain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&zeroHits, 1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer zeroChain.Close()
	nonZeroChain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&nonZeroHits, 1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer nonZeroChain.Close()

	d, p := newTestDispatcher(t)
	p.Append(backend.New(zeroChain.URL, "", 0, backend.Local, 10))
	p.Append(backend.New(nonZeroChain.URL, "", 7, backend.Local, 10))

	// Both upstreams answer with a null result, so broadcast waits for every
	// candidate it started before returning. Only the chain_id==0 backend is
	// a candidate, and no 400 short-circuit applies on this path.
	got := d.Handle(0, []byte(`{"jsonrpc":"2.0","method":"eth_sendRawTransaction","params":["0xdead"],"id":1}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":null}`, string(got))
	assert.Equal(t, int32(1), atomic.LoadInt32(&zeroHits))
	assert.Equal(t, int32(0), atomic.LoadInt32(&nonZeroHits))
}

func TestHasNonNullResult(t *testing.T) {
	assert.True(t, hasNonNullResult([]byte(`{"result":"0x1"}`)))
	assert.False(t, hasNonNullResult([]byte(`{"result":null}`)))
	assert.False(t, hasNonNullResult([]byte(`not json`)))
}
