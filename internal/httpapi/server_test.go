package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/protobalancer/balancer/internal/dispatch"
	"github.com/protobalancer/balancer/internal/pool"
	"github.com/protobalancer/balancer/internal/selection"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	p := pool.New()
	d := dispatch.New(context.Background(), p, selection.MinLatency, http.DefaultClient, zap.NewNop(), 10)
	return New("127.0.0.1:0", d, zap.NewNop(), 1000)
}

func TestHandleNoChainSegmentResolvesToZero(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`))
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chain_id path required")
}

func TestHandleUnparsableChainSegmentResolvesToZero(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/not-a-number", strings.NewReader(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`))
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chain_id path required")
}

func TestHandleEmptyPoolReturns404EnvelopeWithHTTP200(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/42", strings.NewReader(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`))
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No RPC nodes found")
}

func TestRateLimitReturns429WhenExhausted(t *testing.T) {
	s := newTestServer(t)
	s.limiter = newPerIPLimiter(0) // zero refill rate: burst of 1 exhausts after one request

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/42", strings.NewReader(`{}`))
		req.RemoteAddr = "203.0.113.5:1234"
		return req
	}

	first := httptest.NewRecorder()
	s.engine.ServeHTTP(first, newReq())
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	s.engine.ServeHTTP(second, newReq())
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
