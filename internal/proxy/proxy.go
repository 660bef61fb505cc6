// Package proxy is the local reverse proxy: it terminates client
// connections, leases accounts from the pool, forwards requests upstream
// with the account's bearer token, and feeds outcomes back into the pool
// and the request log.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/yansir/codex-pool/internal/config"
	"github.com/yansir/codex-pool/internal/logsink"
	"github.com/yansir/codex-pool/internal/pool"
)

// ErrAlreadyRunning is returned by Start when the proxy is up.
var ErrAlreadyRunning = errors.New("proxy already running")

// Status is the lifecycle summary surfaced to the shell.
type Status struct {
	Running      bool `json:"running"`
	Port         int  `json:"port"`
	AccountCount int  `json:"account_count"`
	Active       int  `json:"active"`
	Cooldown     int  `json:"cooldown"`
	Blocked      int  `json:"blocked"`
}

// Dispatcher owns the listener and the forwarding pipeline. It is a
// process-wide singleton; lifecycle transitions are guarded by one mutex.
type Dispatcher struct {
	cfg      *config.Config
	pool     *pool.Pool
	sink     *logsink.Sink
	client   *http.Client
	upstream *url.URL

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	port     int
	running  bool
}

// New wires a dispatcher. The upstream client is injected so tests can point
// at a plain-HTTP fake.
func New(cfg *config.Config, p *pool.Pool, sink *logsink.Sink, client *http.Client) (*Dispatcher, error) {
	base, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	return &Dispatcher{
		cfg:      cfg,
		pool:     p,
		sink:     sink,
		client:   client,
		upstream: base,
	}, nil
}

// Start binds the configured host (127.0.0.1 by default) on port and begins
// serving; port 0 means the configured port. Starting a running proxy is an
// error; the port may differ between starts.
func (d *Dispatcher) Start(port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}
	if port == 0 {
		port = d.cfg.Port
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", d.cfg.Host, port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /-/status", d.handleStatus)
	mux.HandleFunc("/", d.handleProxy)

	d.server = &http.Server{
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   d.cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	d.listener = ln
	d.port = ln.Addr().(*net.TCPAddr).Port
	d.running = true

	srv := d.server
	go func() {
		slog.Info("proxy listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("proxy serve failed", "error", err)
		}
	}()
	return nil
}

// Stop stops accepting, drains in-flight requests up to the drain deadline,
// then aborts what remains. Stopping a stopped proxy is a no-op.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
	defer cancel()
	err := d.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("drain deadline reached, aborting in-flight requests")
		err = d.server.Close()
	}

	d.server = nil
	d.listener = nil
	d.running = false
	d.port = 0
	return err
}

// Reload forwards to the pool without interrupting in-flight requests.
func (d *Dispatcher) Reload() error { return d.pool.Reload() }

// Port returns the bound port, 0 when stopped.
func (d *Dispatcher) Port() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port
}

// Status reports the lifecycle plus the pool's per-state counts.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	running, port := d.running, d.port
	d.mu.Unlock()

	ps := d.pool.Status()
	return Status{
		Running:      running,
		Port:         port,
		AccountCount: ps.AccountCount,
		Active:       ps.Active,
		Cooldown:     ps.Cooldown,
		Blocked:      ps.Blocked,
	}
}
