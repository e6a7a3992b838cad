// Package daemon wires the node together: identity, mailbox, discovery,
// router, the HTTP surface, and the background loops.
package daemon

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentmail-net/agentmail/pkg/discovery"
	"github.com/agentmail-net/agentmail/pkg/identity"
	"github.com/agentmail-net/agentmail/pkg/mailbox"
	"github.com/agentmail-net/agentmail/pkg/message"
	"github.com/agentmail-net/agentmail/pkg/router"
)

const (
	// RetryInterval is how often the outbox retry loop ticks.
	RetryInterval = 15 * time.Second

	// RelayPullInterval is how often the relay pull loop ticks.
	RelayPullInterval = 10 * time.Second
)

// Daemon manages the node lifecycle.
type Daemon struct {
	config    *Config
	identity  *identity.Identity
	mailbox   *mailbox.Mailbox
	router    *router.Router
	discovery *discovery.Discovery
	server    *http.Server

	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// parseLogLevel converts a log level string to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigureLogging sets up the global logger with the given level.
// All existing log.Printf calls are redirected through slog at the
// configured level so they are always visible regardless of the filter.
// This should be called once at program startup (e.g. from main) before
// creating a Daemon; it must not be called from library code.
func ConfigureLogging(level string) {
	lvl := parseLogLevel(level)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})
	slog.SetDefault(slog.New(handler))

	log.SetOutput(&slogWriter{level: lvl})
	log.SetFlags(0) // slog adds its own timestamp
}

// slogWriter adapts log.Printf output to slog at a fixed level.
type slogWriter struct {
	level slog.Level
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	slog.Log(context.Background(), w.level, msg)
	return len(p), nil
}

// NewDaemon creates a node daemon: loads or creates the identity, opens
// the mailbox, and wires the router and discovery together.
func NewDaemon(config *Config) (*Daemon, error) {
	if err := os.MkdirAll(filepath.Dir(config.IdentityPath()), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	id, err := identity.LoadOrCreate(config.IdentityPath())
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	mb, err := mailbox.Open(config.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:   config,
		identity: id,
		mailbox:  mb,
		router:   router.New(id, mb, message.AddressFor(config.NodeName), config.RelayURL),
		ctx:      ctx,
		cancel:   cancel,
	}

	d.discovery = discovery.New(
		id.Fingerprint(), config.NodeName, config.Port,
		id.PubkeyB64(), id.EncryptPubkeyB64(),
		d.onPeerFound, d.onPeerRemoved,
	)
	return d, nil
}

// onPeerFound registers a LAN peer into the mailbox. Safe to call from
// the discovery event goroutine; the mailbox serializes writes.
func (d *Daemon) onPeerFound(p discovery.FoundPeer) {
	peer := &mailbox.Peer{
		NodeID:        p.NodeID,
		NodeName:      p.NodeName,
		Address:       message.AddressFor(p.NodeName),
		Host:          p.Host,
		Port:          p.Port,
		Pubkey:        p.Pubkey,
		EncryptPubkey: p.EncryptPubkey,
		LastSeen:      message.NowISO(),
	}
	if err := d.mailbox.UpsertPeer(peer); err != nil {
		log.Printf("[Daemon] failed to register peer %s: %v", p.NodeName, err)
		return
	}
	metricPeersDiscovered.Add(context.Background(), 1)
}

// onPeerRemoved is advisory only. The cached record stays for later
// re-resolution or relay routing.
func (d *Daemon) onPeerRemoved(instance string) {
	log.Printf("[Daemon] peer %s left the network", instance)
}

// Run starts the daemon and blocks until a signal arrives or Shutdown
// is called.
func (d *Daemon) Run() error {
	d.startTime = time.Now()
	addr := message.AddressFor(d.config.NodeName)
	log.Printf("Starting agentmail node %s (%s)", addr, d.identity.Fingerprint())

	if err := d.discovery.Start(); err != nil {
		// LAN-less environments still work through the relay.
		log.Printf("[Daemon] discovery unavailable: %v", err)
	}
	defer d.discovery.Stop()

	if d.router.RelayConfigured() {
		if err := d.router.RegisterOnRelay(d.config.NodeName); err != nil {
			log.Printf("[Daemon] relay registration failed: %v", err)
		}
	}

	api := NewAPI(d)
	d.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", d.config.Port),
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		log.Printf("[Daemon] HTTP API listening on :%d", d.config.Port)
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.retryLoop()
	}()

	if d.router.RelayConfigured() {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.relayPullLoop()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-errCh:
		log.Printf("HTTP server failed: %v", err)
	case <-d.ctx.Done():
		log.Printf("Context cancelled, shutting down...")
	}

	d.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Daemon] HTTP shutdown: %v", err)
	}

	d.wg.Wait()
	if err := d.mailbox.Close(); err != nil {
		log.Printf("[Daemon] mailbox close: %v", err)
	}
	log.Printf("Node stopped")
	return nil
}

// Shutdown cancels the daemon context, signalling background goroutines
// to stop. Callers that need full shutdown completion should wait for
// Run to return.
func (d *Daemon) Shutdown() {
	d.cancel()
}

// retryLoop drains the outbox every tick. The loop tolerates its own
// failures and continues.
func (d *Daemon) retryLoop() {
	ticker := time.NewTicker(RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.router.RetryQueued(); err != nil {
				log.Printf("[Daemon] outbox retry failed: %v", err)
			}
		}
	}
}

// relayPullLoop fetches and acknowledges relay-held messages every tick.
func (d *Daemon) relayPullLoop() {
	ticker := time.NewTicker(RelayPullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.router.PullFromRelay(); err != nil {
				log.Printf("[Daemon] relay pull failed: %v", err)
			}
		}
	}
}

// Uptime reports how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.startTime)
}
