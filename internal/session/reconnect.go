// Package session manages the lifetime of the realtime channel around a
// conversation: initial connection and bounded automatic reconnection after
// unexpected drops.
//
// Reconnection restores the transport only. The remote conversation context
// is lost with the old session, so after a successful reconnect the caller
// must start a fresh conversation session on the new connection.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumen-voice/lumen/pkg/realtime"
)

// Default reconnection policy: a fixed delay between attempts and a fixed
// attempt budget. Exceeding the budget is terminal.
const (
	defaultMaxAttempts    = 5
	defaultReconnectDelay = 3 * time.Second
)

// ErrReconnectExhausted is reported to OnExhausted when every reconnection
// attempt has failed.
var ErrReconnectExhausted = fmt.Errorf("session: max reconnect attempts reached")

// Reconnector monitors a realtime connection and re-dials on disconnection.
//
// Callers obtain the initial connection via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// drops. A drop is signalled via [Reconnector.NotifyDisconnect]; the monitor
// then retries the dial with a fixed delay between attempts, up to the
// configured maximum, and invokes OnReconnect on success or OnExhausted when
// the budget runs out.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dialer      realtime.Dialer
	sessionCfg  realtime.SessionConfig
	maxAttempts int
	delay       time.Duration
	onReconnect func(realtime.Conn)
	onExhausted func(error)

	mu           sync.Mutex
	conn         realtime.Conn
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// Config configures a [Reconnector].
type Config struct {
	// Dialer establishes realtime connections.
	Dialer realtime.Dialer

	// Session is the configuration applied on every (re)connect.
	Session realtime.SessionConfig

	// MaxAttempts is the reconnection attempt budget. Defaults to 5 if zero.
	MaxAttempts int

	// Delay is the fixed wait between attempts. Defaults to 3s if zero.
	Delay time.Duration

	// OnReconnect is called after a successful reconnection with the new
	// connection. The remote session context is fresh; the caller must start
	// a new conversation session. May be nil.
	OnReconnect func(realtime.Conn)

	// OnExhausted is called once when the attempt budget is spent without a
	// successful reconnect. May be nil.
	OnExhausted func(error)
}

// New creates a [Reconnector] with the given configuration.
func New(cfg Config) *Reconnector {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	return &Reconnector{
		dialer:       cfg.Dialer,
		sessionCfg:   cfg.Session,
		maxAttempts:  maxAttempts,
		delay:        delay,
		onReconnect:  cfg.OnReconnect,
		onExhausted:  cfg.OnExhausted,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect performs the initial connection.
func (r *Reconnector) Connect(ctx context.Context) (realtime.Conn, error) {
	conn, err := r.dialer.Connect(ctx, r.sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("session: initial connect: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	return conn, nil
}

// Monitor starts watching for disconnect notifications in a background
// goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the connection has been lost and
// reconnection should be attempted. Safe to call multiple times; only the
// first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring and closes the current connection. Safe to call
// multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connection returns the current active connection. May return nil during
// reconnection.
func (r *Reconnector) Connection() realtime.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// monitorLoop waits for disconnect notifications and attempts reconnection.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect retries the dial with a fixed delay between attempts.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
		)

		conn, err := r.dialer.Connect(ctx, r.sessionCfg)
		if err == nil {
			r.mu.Lock()
			oldConn := r.conn
			r.conn = conn
			r.mu.Unlock()

			// Close the old (failed) connection to release its resources.
			if oldConn != nil {
				_ = oldConn.Close()
			}

			slog.Info("reconnection successful", "attempt", attempt)

			if r.onReconnect != nil {
				r.onReconnect(conn)
			}
			return
		}

		slog.Warn("reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)

		if attempt == r.maxAttempts {
			break
		}

		// Fixed delay before the next attempt.
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(r.delay):
		}
	}

	slog.Error("max reconnect attempts reached", "max_attempts", r.maxAttempts)
	if r.onExhausted != nil {
		r.onExhausted(ErrReconnectExhausted)
	}
}
