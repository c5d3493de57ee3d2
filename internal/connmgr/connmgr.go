// Package connmgr keeps a single shared connection to a backing service alive
// without blocking its owner's startup.
//
// A Manager retries in the background forever, exposes a non-blocking health
// check, and hands out the connection only through AwaitReady so that every
// consumer observes a reconnection the same way.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	defaultRetryInterval = time.Second
	defaultWarnInterval  = 10 * time.Second
)

// ErrNotInitialized is returned when a Manager is used before Initialize.
var ErrNotInitialized = errors.New("connection manager not initialized")

var errManagerClosed = errors.New("connection manager closed")

// ConfigurationError reports a required configuration value that is absent.
type ConfigurationError struct {
	Component string
	Field     string
}

func (e *ConfigurationError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("missing required configuration: %s", e.Field)
	}
	return fmt.Sprintf("%s: missing required configuration: %s", e.Component, e.Field)
}

type HealthStatus string

const (
	StatusNotInitialized HealthStatus = "not_initialized"
	StatusConnecting     HealthStatus = "connecting"
	StatusHealthy        HealthStatus = "healthy"
)

// Health is a point-in-time snapshot of a Manager's connection state.
type Health struct {
	Connected bool         `json:"connected"`
	Status    HealthStatus `json:"status"`
	LastError string       `json:"last_error,omitempty"`
}

// Config describes how to open and release a connection.
type Config[T any] struct {
	// Name identifies the backing service in logs and health output.
	Name string
	// Dial opens and verifies a connection. It is called repeatedly until it succeeds.
	Dial func(ctx context.Context) (T, error)
	// Close releases a connection returned by Dial. Optional.
	Close func(T)
}

type options struct {
	retryInterval time.Duration
	warnInterval  time.Duration
}

// Option configures a Manager.
type Option func(*options)

// WithRetryInterval sets the fixed delay between connection attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryInterval = d }
}

// WithWarnInterval sets the minimum spacing between connection-failure warnings.
func WithWarnInterval(d time.Duration) Option {
	return func(o *options) { o.warnInterval = d }
}

// Manager owns one connection handle of type T.
type Manager[T any] struct {
	opts options

	mu          sync.RWMutex
	cfg         *Config[T]
	initialized bool
	connected   bool
	conn        T
	lastErr     string
	gen         uint64
	ready       chan struct{} // closed once connected
	reset       chan struct{} // closed by Close to release waiters
	cancel      context.CancelFunc
	done        chan struct{}
	warn        *rate.Sometimes
}

// New creates an uninitialized Manager.
func New[T any](opts ...Option) *Manager[T] {
	o := options{retryInterval: defaultRetryInterval, warnInterval: defaultWarnInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[T]{opts: o}
}

// Initialize validates cfg and arms the Manager. It performs no network I/O.
// Calling it on an already initialized Manager is a no-op.
func (m *Manager[T]) Initialize(cfg *Config[T]) error {
	if cfg == nil {
		return &ConfigurationError{Field: "config"}
	}
	if cfg.Name == "" {
		return &ConfigurationError{Field: "name"}
	}
	if cfg.Dial == nil {
		return &ConfigurationError{Component: cfg.Name, Field: "dial"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	m.cfg = cfg
	m.initialized = true
	m.ready = make(chan struct{})
	m.reset = make(chan struct{})
	m.warn = &rate.Sometimes{Interval: m.opts.warnInterval}

	slog.Info("connection manager initialized", "service", cfg.Name)
	return nil
}

// StartConnecting launches the background retry loop. It returns immediately
// and is a no-op while a loop is active or once connected.
func (m *Manager[T]) StartConnecting(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.cancel != nil || m.connected {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	cfg, gen, warn := m.cfg, m.gen, m.warn
	m.mu.Unlock()

	go func() {
		defer cancel()
		m.connectLoop(loopCtx, cfg, gen, warn, done)
	}()
	return nil
}

func (m *Manager[T]) connectLoop(ctx context.Context, cfg *Config[T], gen uint64, warn *rate.Sometimes, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		if gen == m.gen && m.done == done {
			m.cancel = nil
			m.done = nil
		}
		m.mu.Unlock()
		close(done)
	}()

	op := func() error {
		conn, err := cfg.Dial(ctx)
		if err != nil {
			return err
		}
		if !m.markConnected(gen, conn) {
			if cfg.Close != nil {
				cfg.Close(conn)
			}
			return backoff.Permanent(errManagerClosed)
		}
		return nil
	}
	notify := func(err error, _ time.Duration) {
		m.recordFailure(gen, err)
		warn.Do(func() {
			slog.Warn("connection failed, retrying", "service", cfg.Name, "error", err)
		})
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(m.opts.retryInterval), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		slog.Debug("connection loop stopped", "service", cfg.Name, "error", err)
		return
	}
	slog.Info("connection established", "service", cfg.Name)
}

func (m *Manager[T]) markConnected(gen uint64, conn T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || !m.initialized {
		return false
	}
	m.conn = conn
	m.connected = true
	m.lastErr = ""
	close(m.ready)
	return true
}

func (m *Manager[T]) recordFailure(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen {
		m.lastErr = err.Error()
	}
}

// AwaitReady blocks until the connection is established and returns it.
// Callers must not retain the handle beyond the operation they need it for.
func (m *Manager[T]) AwaitReady(ctx context.Context) (T, error) {
	var zero T
	for {
		m.mu.RLock()
		if !m.initialized {
			m.mu.RUnlock()
			return zero, ErrNotInitialized
		}
		if m.connected {
			conn := m.conn
			m.mu.RUnlock()
			return conn, nil
		}
		ready, reset := m.ready, m.reset
		m.mu.RUnlock()

		select {
		case <-ready:
		case <-reset:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Health returns the current connection state without waiting on it.
func (m *Manager[T]) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case !m.initialized:
		return Health{Status: StatusNotInitialized}
	case !m.connected:
		return Health{Status: StatusConnecting, LastError: m.lastErr}
	default:
		return Health{Connected: true, Status: StatusHealthy}
	}
}

// Name returns the configured service name, or "" before Initialize.
func (m *Manager[T]) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg == nil {
		return ""
	}
	return m.cfg.Name
}

// Close stops the retry loop, releases the connection and resets the Manager
// to its uninitialized state. It is safe to call more than once.
func (m *Manager[T]) Close() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	conn, connected, cfg := m.conn, m.connected, m.cfg
	var zero T
	m.conn = zero
	m.connected = false
	m.initialized = false
	m.lastErr = ""
	m.cancel = nil
	m.done = nil
	m.gen++
	close(m.reset)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if connected && cfg.Close != nil {
		cfg.Close(conn)
	}
	slog.Info("connection manager closed", "service", cfg.Name)
}
