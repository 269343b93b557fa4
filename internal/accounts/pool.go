// Package accounts selects registry credentials for workers and tracks
// login failures. The datastore owns credential state; the pool caches one
// selection for a worker's lifetime.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/laurentialabs/registre/internal/store"
)

// ErrLockedOut is returned when the held credential crosses the failure
// threshold. The holding worker must stop and report error.
var ErrLockedOut = errors.New("accounts: credential locked out")

// Pool hands out one credential per worker. Selection is least-recently-used
// among eligible credentials, never-used first; the datastore arbitrates so
// concurrent workers spread across the account set.
type Pool struct {
	store  store.Store
	logger *slog.Logger

	mu   sync.Mutex
	held *store.Credential
}

// NewPool creates a credential pool backed by the given datastore.
func NewPool(st store.Store, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:  st,
		logger: logger.With("component", "accounts"),
	}
}

// Acquire selects a credential for this worker and caches it. Idempotent:
// repeated calls return the cached selection.
func (p *Pool) Acquire(ctx context.Context) (*store.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.held != nil {
		return p.held, nil
	}

	cred, err := p.store.SelectCredential(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential selection: %w", err)
	}
	p.held = cred
	p.logger.Info("credential acquired", "credential_id", cred.ID, "username", cred.Username)
	return cred, nil
}

// Held returns the cached credential, or nil before Acquire.
func (p *Pool) Held() *store.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// ReportSuccess resets the failure counter after a successful login.
func (p *Pool) ReportSuccess(ctx context.Context) error {
	p.mu.Lock()
	cred := p.held
	p.mu.Unlock()
	if cred == nil {
		return nil
	}
	return p.store.ResetCredentialFailures(ctx, cred.ID)
}

// ReportLoginFailure increments the failure counter. Returns ErrLockedOut
// when the credential crosses the threshold; the worker must then stop.
func (p *Pool) ReportLoginFailure(ctx context.Context) error {
	p.mu.Lock()
	cred := p.held
	p.mu.Unlock()
	if cred == nil {
		return nil
	}

	failures, err := p.store.BumpCredentialFailure(ctx, cred.ID)
	if err != nil {
		return fmt.Errorf("bump credential failure: %w", err)
	}
	p.logger.Warn("login failure recorded", "credential_id", cred.ID, "failures", failures)
	if failures >= store.CredentialMaxFailures {
		return ErrLockedOut
	}
	return nil
}
