// Package browser owns the per-worker browser session lifecycle: lazy
// acquisition on first job, reuse across jobs, teardown after an idle
// period, and screenshot capture on failure. What happens inside a page is
// the site drivers' business; this package only manages the session.
package browser

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoSession is returned when an operation needs a live session and none
// is open.
var ErrNoSession = errors.New("browser: no active session")

// Session is one live browser context with exactly one authenticated
// registry login. A session is owned by exactly one worker for its lifetime.
type Session interface {
	// Navigate loads a URL and waits for network idle.
	Navigate(ctx context.Context, url string) error
	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// Close tears the browser context down. Idempotent.
	Close() error
}

// Factory opens new sessions. Swappable so tests run without Chrome.
type Factory func(ctx context.Context) (Session, error)

// ManagerConfig configures a session manager.
type ManagerConfig struct {
	Logger *slog.Logger

	// Factory opens sessions. Required.
	Factory Factory

	// IdleTimeout tears the session down after this long without a job
	// (default 5 minutes).
	IdleTimeout time.Duration
}

// Manager hands one worker its browser session. Not safe for concurrent use
// by multiple workers; each worker owns its manager, matching the one
// session per worker model.
type Manager struct {
	logger      *slog.Logger
	factory     Factory
	idleTimeout time.Duration

	mu       sync.Mutex
	session  Session
	lastUsed time.Time
	loggedIn bool
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Manager{
		logger:      logger.With("component", "browser"),
		factory:     cfg.Factory,
		idleTimeout: idle,
	}
}

// Acquire returns the live session, opening one if needed. needLogin
// reports whether the caller must run the login flow: true on a fresh
// session, false when reusing an authenticated one.
func (m *Manager) Acquire(ctx context.Context) (sess Session, needLogin bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		m.lastUsed = time.Now()
		return m.session, !m.loggedIn, nil
	}

	// The session outlives the task that triggered its opening; a browser
	// built on the task's context would be dead by the time the next job
	// reuses it. Teardown runs through Close, not cancellation.
	s, err := m.factory(context.WithoutCancel(ctx))
	if err != nil {
		return nil, false, err
	}
	m.session = s
	m.loggedIn = false
	m.lastUsed = time.Now()
	m.logger.Info("browser session opened")
	return s, true, nil
}

// MarkAuthenticated records that the login flow succeeded on the current
// session. Subsequent Acquire calls reuse the login.
func (m *Manager) MarkAuthenticated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggedIn = true
}

// ReapIdle tears the session down if it has been idle past the timeout.
// Called from the worker's poll loop between claims.
func (m *Manager) ReapIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || time.Since(m.lastUsed) < m.idleTimeout {
		return
	}
	m.logger.Info("closing idle browser session", "idle", time.Since(m.lastUsed).Round(time.Second))
	m.closeLocked()
}

// FailureScreenshot captures a screenshot of the current session, then
// closes it: a successor job must re-login. Returns nil bytes when no
// session is open or the capture itself fails (the original failure matters
// more than the screenshot).
func (m *Manager) FailureScreenshot(ctx context.Context) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	shot, err := m.session.Screenshot(ctx)
	if err != nil {
		m.logger.Warn("screenshot capture failed", "error", err)
		shot = nil
	}
	m.closeLocked()
	return shot
}

// Close tears down any live session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

// Active reports whether a session is currently open. Test helper.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

func (m *Manager) closeLocked() {
	if m.session == nil {
		return
	}
	if err := m.session.Close(); err != nil {
		m.logger.Warn("session close failed", "error", err)
	}
	m.session = nil
	m.loggedIn = false
}
