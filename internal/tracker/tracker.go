// Package tracker implements the per-backend WebSocket liveness tracker
// (spec §4.4): one long-lived task per backend that subscribes to newHeads
// and writes block-tip telemetry into the backend's pool record.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/protobalancer/balancer/internal/pool"
)

const subscribeFrame = `{"jsonrpc":"2.0","method":"eth_subscribe","params":["newHeads"],"id":null}`

// subscriptionNotification is the shape of an eth_subscription newHeads
// push. Only the fields the tracker needs are declared.
type subscriptionNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Number    string `json:"number"`
			Timestamp string `json:"timestamp"`
		} `json:"result"`
	} `json:"params"`
}

// Tracker runs the newHeads subscription for a single backend, identified
// by its stable pool index, and keeps redialing (with exponential backoff)
// across disconnects.
type Tracker struct {
	pool    *pool.Pool
	index   int
	wsURL   string
	logger  *zap.Logger
	dial    func(url string) (*websocket.Conn, error)
	nowFunc func() time.Time
}

// New returns a Tracker for the backend at index in p, reachable over
// wsURL.
func New(p *pool.Pool, index int, wsURL string, logger *zap.Logger) *Tracker {
	return &Tracker{
		pool:   p,
		index:  index,
		wsURL:  wsURL,
		logger: logger,
		dial: func(url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			return conn, err
		},
		nowFunc: time.Now,
	}
}

// Run subscribes and processes notifications until ctx is cancelled,
// redialing with capped exponential backoff on any disconnect. Run returns
// only after ctx is cancelled; cancellation is observed before each dial,
// between frames, and during backoff waits.
func (t *Tracker) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; ctx is the only way out

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := t.dial(t.wsURL)
		if err != nil {
			t.logger.Warn("tracker dial failed",
				zap.String("ws_url", t.wsURL),
				zap.Int("backend_index", t.index),
				zap.Error(err))
			if !t.sleepBackoff(ctx, bo) {
				return
			}
			continue
		}

		t.logger.Info("tracker connected",
			zap.String("ws_url", t.wsURL),
			zap.Int("backend_index", t.index))
		bo.Reset()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(subscribeFrame)); err != nil {
			t.logger.Error("tracker subscribe failed",
				zap.String("ws_url", t.wsURL),
				zap.Error(err))
			conn.Close()
			if !t.sleepBackoff(ctx, bo) {
				return
			}
			continue
		}

		t.readLoop(ctx, conn)
		conn.Close()

		t.logger.Warn("tracker disconnected, reconnecting",
			zap.String("ws_url", t.wsURL),
			zap.Int("backend_index", t.index))
		if !t.sleepBackoff(ctx, bo) {
			return
		}
	}
}

// readLoop drains frames from conn until a read error or ctx cancellation.
func (t *Tracker) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgType, message, err := conn.ReadMessage()
		if err != nil {
			t.logger.Error("tracker read error", zap.Error(err))
			return
		}

		switch msgType {
		case websocket.TextMessage:
			t.handleText(message)
		case websocket.PingMessage:
			t.logger.Debug("tracker received ping", zap.Int("backend_index", t.index))
		default:
			t.logger.Error("tracker received unexpected frame type",
				zap.Int("frame_type", msgType))
		}
	}
}

func (t *Tracker) handleText(message []byte) {
	var notif subscriptionNotification
	if err := json.Unmarshal(message, &notif); err != nil {
		t.logger.Error("tracker failed to parse frame", zap.Error(err))
		return
	}
	if notif.Method != "eth_subscription" {
		return
	}

	number, err := parseHexUint64(notif.Params.Result.Number)
	if err != nil {
		t.logger.Error("tracker failed to parse block number", zap.Error(err))
		return
	}
	tsSec, err := parseHexUint64(notif.Params.Result.Timestamp)
	if err != nil {
		t.logger.Error("tracker failed to parse block timestamp", zap.Error(err))
		return
	}
	tsMs := tsSec * 1000
	nowMs := uint64(t.nowFunc().UnixMilli())

	t.pool.UpdateTelemetry(t.index, number, tsMs, nowMs)

	t.logger.Debug("tracker updated backend telemetry",
		zap.Int("backend_index", t.index),
		zap.Uint64("last_block", number),
		zap.Uint64("last_block_ts_ms", tsMs),
		zap.Uint64("current_ts_ms", nowMs))
}

func (t *Tracker) sleepBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(bo.NextBackOff()):
		return true
	}
}

// parseHexUint64 decodes a 0x-prefixed hex string into a uint64.
func parseHexUint64(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") {
		return 0, fmt.Errorf("invalid hex format: %q", s)
	}
	return strconv.ParseUint(s[2:], 16, 64)
}
