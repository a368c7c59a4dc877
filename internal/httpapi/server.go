// Package httpapi wires the gin HTTP surface: the single POST /:chain_id
// route (ordinary forwarding and the control API share it, per spec §6),
// per-IP rate limiting, and structured request logging.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/protobalancer/balancer/internal/dispatch"
)

// Server owns the gin engine and the underlying *http.Server so it can be
// started and shut down gracefully from cmd/balancer.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	limiter    *perIPLimiter
	logger     *zap.Logger
}

// New builds a Server bound to addr, routing every request through
// dispatcher. ratePerSecond configures the per-IP rate limiter (spec
// SPEC_FULL.md §3: ambient protection, never rejects backends).
func New(addr string, dispatcher *dispatch.Dispatcher, logger *zap.Logger, ratePerSecond float64) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	limiter := newPerIPLimiter(ratePerSecond)

	s := &Server{
		engine:  engine,
		limiter: limiter,
		logger:  logger,
	}

	engine.POST("/:chain_id", s.requestLogger(), s.rateLimit(), s.handle(dispatcher))
	// gin's ":chain_id" param requires a non-empty segment, so POST / (no
	// chain segment at all, spec §8 scenario 5) needs its own route; it
	// always resolves to chain_id 0.
	engine.POST("/", s.requestLogger(), s.rateLimit(), s.handle(dispatcher))

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: engine,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("httpapi: listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and the rate limiter's
// background sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	return s.httpServer.Shutdown(ctx)
}

// rateLimit rejects bursts per client IP before the request ever reaches
// the dispatcher. This never produces a JSON-RPC error envelope — it's
// ambient protection, not part of the spec's wire contract — so a
// throttled request gets a bare 429.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			s.logger.Warn("httpapi: rate limit exceeded", zap.String("ip", c.ClientIP()))
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}

// requestLogger logs method, path, status, and latency for every request,
// matching the density of the teacher's middleware logging.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("httpapi: request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// handle reads the body, parses chain_id from the path (spec §4.6: last
// path segment as uint, 0 if absent/unparsable), and delegates to the
// dispatcher. The HTTP status is always 200 (spec §4.7).
func (s *Server) handle(dispatcher *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			s.logger.Error("httpapi: failed to read body", zap.Error(err))
			c.Data(http.StatusOK, "application/json", []byte(`{"id":null,"jsonrpc":"2.0","error":"400: Invalid Json"}`))
			return
		}

		chainID, _ := strconv.ParseUint(c.Param("chain_id"), 10, 64)
		resp := dispatcher.Handle(chainID, body)
		c.Data(http.StatusOK, "application/json", resp)
	}
}
