// agentmail-relay is the store-and-forward relay for agentmail nodes.
//
// The relay holds sealed envelopes for offline recipients and runs a
// name directory so nodes can find each other across networks. It is
// honest-but-curious by design: it never sees plaintext and never
// validates deposit signatures, it only routes blobs by fingerprint.
//
// Usage:
//
//	agentmail-relay -addr :8787 -data /var/lib/agentmail/relay.db
//	agentmail-relay -addr :8787 -redis 127.0.0.1:6379
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmail-net/agentmail/pkg/daemon"
	"github.com/agentmail-net/agentmail/pkg/otel"
	"github.com/agentmail-net/agentmail/pkg/ratelimit"
	"github.com/agentmail-net/agentmail/pkg/relay"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	addr := flag.String("addr", ":8787", "API listen address")
	dataPath := flag.String("data", "relay.db", "SQLite database path")
	redisAddr := flag.String("redis", "", "Redis address (uses Redis instead of SQLite when set)")
	rateLimitRPS := flag.Int("rate-limit-rps", 10, "Rate limit: requests per second per client IP (0 to disable)")
	rateLimitBurst := flag.Int("rate-limit-burst", 20, "Rate limit: burst size per client IP")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("agentmail-relay " + version)
		return
	}

	daemon.ConfigureLogging(*logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelShutdown, err := otel.Init(ctx, "agentmail-relay", version)
	if err != nil {
		log.Printf("[Relay] telemetry init failed: %v", err)
	} else {
		defer otelShutdown(context.Background())
	}

	var store relay.Store
	if *redisAddr != "" {
		store, err = relay.OpenRedis(*redisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
	} else {
		store, err = relay.OpenSQLite(*dataPath)
		if err != nil {
			log.Fatalf("Failed to open relay database: %v", err)
		}
	}
	defer store.Close()

	var limiter *ratelimit.Limiter
	if *rateLimitRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			RatePerSec: *rateLimitRPS,
			BurstSize:  *rateLimitBurst,
		})
		defer limiter.Stop()
	}

	api := relay.NewAPI(store, limiter)
	go api.RunCleanupLoop(ctx)

	server := &http.Server{
		Addr:              *addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		backend := "sqlite:" + *dataPath
		if *redisAddr != "" {
			backend = "redis:" + *redisAddr
		}
		log.Printf("[Relay] listening on %s (store=%s)", *addr, backend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[Relay] received signal %v, shutting down...", sig)
	case err := <-errCh:
		log.Fatalf("HTTP server failed: %v", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Relay] HTTP shutdown: %v", err)
	}
	log.Printf("[Relay] stopped")
}
