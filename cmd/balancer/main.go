// Command balancer is the proto_balancer process entry point: it loads the
// TOML configuration, builds the backend pool, starts one WebSocket
// liveness tracker per configured backend, and serves the HTTP surface
// until an interrupt or SIGTERM requests shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/protobalancer/balancer/internal/config"
	"github.com/protobalancer/balancer/internal/dispatch"
	"github.com/protobalancer/balancer/internal/httpapi"
	"github.com/protobalancer/balancer/internal/pool"
	"github.com/protobalancer/balancer/internal/tracker"
)

// version is reported by --version, matching the original CLI's
// proto_balancer 0.1.0.
const version = "0.1.0"

func main() {
	configPath := flag.String("config", "rpc_config.toml", "TOML config file for load balancer prototype.")
	flag.StringVar(configPath, "c", "rpc_config.toml", "shorthand for --config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("proto_balancer %s\n", version)
		return
	}

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		log.Fatalf("logger initialization error: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := pool.New()
	for _, b := range settings.Backends {
		index := p.Append(b)
		t := tracker.New(p, index, b.WSURL, logger)
		go t.Run(ctx)
		logger.Info("balancer: tracker started",
			zap.String("url", b.URL),
			zap.Uint64("chain_id", b.ChainID),
			zap.Int("index", index))
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 50,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	dispatcher := dispatch.New(ctx, p, settings.Algo, client, logger, settings.StatsVecSize)
	server := httpapi.New(settings.Address, dispatcher, logger, 100)

	go func() {
		if err := server.ListenAndServe(); err != nil {
			logger.Error("balancer: server stopped with error", zap.Error(err))
		}
	}()
	logger.Info("balancer: serving",
		zap.String("address", settings.Address),
		zap.String("algo", string(settings.Algo)),
		zap.Int("backends", len(settings.Backends)))

	waitForShutdown(logger, server, cancel)
}

// waitForShutdown blocks until SIGINT/SIGTERM, then stops the HTTP server
// and cancels the tracker context.
func waitForShutdown(logger *zap.Logger, server *httpapi.Server, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("balancer: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("balancer: shutdown error", zap.Error(err))
	}
	logger.Info("balancer: shutdown complete")
}

func newLogger(logLevel string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(logLevel) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log_level: %s", logLevel)
	}
	return cfg.Build()
}
