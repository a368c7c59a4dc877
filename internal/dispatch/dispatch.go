// Package dispatch implements the request classifier and the two forwarding
// paths: sequential failover for ordinary JSON-RPC calls, and broadcast
// fan-out for eth_sendRawTransaction (spec §4.6).
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/protobalancer/balancer/internal/backend"
	"github.com/protobalancer/balancer/internal/pool"
	"github.com/protobalancer/balancer/internal/rpcerr"
	"github.com/protobalancer/balancer/internal/selection"
	"github.com/protobalancer/balancer/internal/tracker"
)

const rawTransactionMethod = "eth_sendRawTransaction"

// Dispatcher ties the pool, selection policy, and a process-wide HTTP
// client together. One Dispatcher serves the whole process.
type Dispatcher struct {
	pool   *pool.Pool
	algo   selection.Algo
	client *http.Client
	logger *zap.Logger

	// trackerCtx bounds the lifetime of WebSocket trackers spawned by
	// AddBackend; it is the process context, cancelled at shutdown.
	trackerCtx context.Context

	// windowCapacity sizes the rolling-stats windows of backends added
	// through the control API, mirroring the statically-configured
	// stats_vec_size (spec §6).
	windowCapacity int
}

// New returns a Dispatcher. client is the single process-wide reusable
// *http.Client (spec §5's "Resource acquisition"). trackerCtx is the
// process-lifetime context that spawned trackers run under. windowCapacity
// sizes the windows of backends added via the control API.
func New(trackerCtx context.Context, p *pool.Pool, algo selection.Algo, client *http.Client, logger *zap.Logger, windowCapacity int) *Dispatcher {
	if windowCapacity <= 0 {
		windowCapacity = 1000
	}
	return &Dispatcher{
		pool:           p,
		algo:           algo,
		client:         client,
		logger:         logger,
		trackerCtx:     trackerCtx,
		windowCapacity: windowCapacity,
	}
}

// Handle classifies and routes one inbound request body and returns the
// wire-ready JSON response body. The HTTP status is always 200; failure is
// always communicated inside the returned JSON (spec §4.7).
func (d *Dispatcher) Handle(chainID uint64, body []byte) []byte {
	parsed, err := parseRequest(body)
	if err != nil {
		d.logger.Error("dispatch: invalid request body", zap.Error(err))
		return encodeErr(rpcerr.New(rpcerr.BadRequest, "Invalid Json"))
	}

	switch {
	case parsed.call != nil:
		if parsed.call.Method == rawTransactionMethod {
			return d.broadcast(chainID, body)
		}
		return d.sequential(chainID, body)

	case parsed.batch != nil:
		return d.sequential(chainID, body)

	case parsed.addBackend != nil:
		return d.addBackend(*parsed.addBackend)

	case parsed.addBatch != nil:
		parts := make([]string, 0, len(parsed.addBatch))
		for _, req := range parsed.addBatch {
			parts = append(parts, string(d.addBackend(req)))
		}
		return []byte("[" + strings.Join(parts, ",") + "]")

	default:
		return encodeErr(rpcerr.New(rpcerr.BadRequest, "Invalid Json"))
	}
}

// sequential implements spec §4.6.1: snapshot, filter by chain_id, sort by
// the configured policy, and try each candidate in order until one
// responds successfully.
func (d *Dispatcher) sequential(chainID uint64, body []byte) []byte {
	if chainID == 0 {
		return encodeErr(rpcerr.New(rpcerr.BadRequest, "chain_id path required (i.e. https://127.0.0.1:3000/10)"))
	}

	candidates := d.pool.FilteredSnapshot(chainID)
	if len(candidates) == 0 {
		return encodeErr(rpcerr.New(rpcerr.NotFound, "No RPC nodes found for the specified chain ID"))
	}

	sorted := selection.Sort(d.algo, candidates)
	d.logger.Info("dispatch: sorted candidate list",
		zap.Uint64("chain_id", chainID),
		zap.Int("candidates", len(sorted)))
	for _, b := range sorted {
		d.logger.Debug("dispatch: candidate",
			zap.String("url", b.URL),
			zap.Uint64("last_block", b.LastBlock),
			zap.Uint64("current_ts_ms", b.CurrentTsMs))
	}

	start := time.Now()
	for _, b := range sorted {
		intraLatencyUs := uint64(time.Since(start).Microseconds())
		respBody, classification := d.sendRequest(b.URL, body)
		totalLatencyUs := uint64(time.Since(start).Microseconds())

		if classification == nil {
			arrivalMs := uint64(time.Now().UnixMilli())
			d.pool.RecordForward(b.URL, intraLatencyUs, totalLatencyUs-intraLatencyUs, arrivalMs)

			blockLatencyMs := int64(arrivalMs) - int64(b.LastBlockTsMs)
			d.logger.Info("dispatch: forwarded successfully",
				zap.String("url", b.URL),
				zap.Int64("block_latency_ms", blockLatencyMs),
				zap.Uint64("intra_latency_us", intraLatencyUs),
				zap.Uint64("total_latency_us", totalLatencyUs))
			return respBody
		}

		d.logger.Warn("dispatch: candidate failed, trying next",
			zap.String("url", b.URL),
			zap.Error(classification))
	}

	return encodeErr(rpcerr.New(rpcerr.InternalServerError, "No RPC nodes responded successfully"))
}

// broadcast implements spec §4.6.2: fan out one POST per filtered backend
// and return the first response whose top-level "result" is non-null.
// Latency windows are intentionally not updated on this path.
func (d *Dispatcher) broadcast(chainID uint64, body []byte) []byte {
	candidates := d.pool.FilteredSnapshot(chainID)
	d.logger.Info("dispatch: broadcasting raw transaction",
		zap.Uint64("chain_id", chainID),
		zap.Int("candidates", len(candidates)))

	if len(candidates) == 0 {
		return encodeErr(rpcerr.New(rpcerr.NotFound, "No RPC nodes found for the specified chain ID"))
	}

	type outcome struct {
		body []byte
	}
	results := make(chan outcome, len(candidates))

	for _, b := range candidates {
		go func(url string) {
			respBody, classification := d.sendRequest(url, body)
			if classification != nil {
				results <- outcome{body: encodeErr(classification)}
				return
			}
			results <- outcome{body: respBody}
		}(b.URL)
	}

	var firstSeen []byte
	for i := 0; i < len(candidates); i++ {
		res := <-results
		if firstSeen == nil {
			firstSeen = res.body
		}
		if hasNonNullResult(res.body) {
			d.logger.Info("dispatch: broadcast found a non-null result")
			return res.body
		}
	}

	return firstSeen
}

// hasNonNullResult reports whether raw decodes as an object with a
// top-level, non-null "result" field.
func hasNonNullResult(raw []byte) bool {
	var probe struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Result) > 0 && string(probe.Result) != "null"
}

// addBackend implements the control API (spec §4.6): idempotent-on-URL add
// that spawns a liveness tracker for the newly added backend.
func (d *Dispatcher) addBackend(req addBackendRequest) []byte {
	if d.pool.ContainsURL(req.URL) {
		d.logger.Info("dispatch: backend already added", zap.String("url", req.URL))
		return encodeResult("Rpc already added")
	}

	locality, ok := backend.ParseLocality(req.RPCLocation)
	if !ok {
		locality = backend.Local
	}

	b := backend.New(req.URL, req.WSURL, req.ChainID, locality, d.windowCapacity)
	index := d.pool.Append(b)

	t := tracker.New(d.pool, index, req.WSURL, d.logger)
	go t.Run(d.trackerCtx)

	d.logger.Info("dispatch: backend added",
		zap.String("url", req.URL),
		zap.Uint64("chain_id", req.ChainID),
		zap.Int("index", index))
	return encodeResult("Rpc added successfully")
}

// sendRequest posts body to url and classifies the outcome per spec
// §4.6.1. A nil classification means success: respBody is the verbatim
// upstream response. A non-nil classification means respBody is empty and
// the caller should try the next candidate (sequential path) or treat it
// as this candidate's error (broadcast path).
func (d *Dispatcher) sendRequest(url string, body []byte) ([]byte, *rpcerr.Error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, rpcerr.New(rpcerr.UnknownError, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rpcerr.New(rpcerr.UnknownError, err.Error())
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, rpcerr.New(rpcerr.BadRequest, "Bad request")
	case resp.StatusCode >= 500 && resp.StatusCode < 600:
		return nil, rpcerr.New(rpcerr.InternalServerError, "Internal server error")
	default:
		return nil, rpcerr.New(rpcerr.UnknownError, http.StatusText(resp.StatusCode))
	}
}

// classifyTransportError maps a transport-level failure to the timeout,
// connect-error, or generic-unknown codes (spec §4.6.1).
func classifyTransportError(err error) *rpcerr.Error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return rpcerr.New(rpcerr.RequestTimeout, "Request to RPC node timed out")
	}
	if isConnectError(err) {
		return rpcerr.New(rpcerr.HandleConnectionError, "RPC node network connection error")
	}
	return rpcerr.New(rpcerr.UnknownError, err.Error())
}

// isConnectError reports whether err stems from a failure to establish the
// outbound TCP connection (refused, unreachable, DNS) rather than a
// timeout or a mid-request failure.
func isConnectError(err error) bool {
	var opErr *net.OpError
	for e := err; e != nil; {
		if oe, ok := e.(*net.OpError); ok {
			opErr = oe
			break
		}
		unwrapper, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = unwrapper.Unwrap()
	}
	return opErr != nil && opErr.Op == "dial"
}

func encodeErr(e *rpcerr.Error) []byte {
	out, _ := json.Marshal(rpcerr.Encode(e))
	return out
}

func encodeResult(result string) []byte {
	out, _ := json.Marshal(rpcerr.EncodeResult(result))
	return out
}
