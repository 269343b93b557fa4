// Package envreg holds the process-wide registry of database environments.
// Built once from configuration at startup, read-only afterwards. Workers
// poll environments in registry order and must skip absent ones, never fail.
package envreg

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/laurentialabs/registre/internal/config"
	"github.com/laurentialabs/registre/internal/storage"
	"github.com/laurentialabs/registre/internal/store"
)

// Environment bundles one environment's clients.
type Environment struct {
	Name    string
	Store   store.Store
	Storage *storage.Client
}

// Registry maps environment names to their clients.
type Registry struct {
	order  []string
	envs   map[string]*Environment
	logger *slog.Logger

	closers []func() error
}

// New connects every configured environment. Environments that fail to
// connect are logged and skipped: a staging outage must not stop prod
// processing.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		envs:   make(map[string]*Environment),
		logger: logger.With("component", "envreg"),
	}

	for _, name := range cfg.EnvironmentOrder {
		envCfg, ok := cfg.Environments[name]
		if !ok {
			r.logger.Debug("environment not configured, skipping", "env", name)
			continue
		}
		pg, err := store.Open(ctx, envCfg.DatabaseURL)
		if err != nil {
			r.logger.Warn("environment unreachable, skipping", "env", name, "error", err)
			continue
		}
		r.closers = append(r.closers, pg.Close)
		r.envs[name] = &Environment{
			Name:    name,
			Store:   pg,
			Storage: storage.NewClient(envCfg.StorageURL, envCfg.ServiceKey),
		}
		r.order = append(r.order, name)
		r.logger.Info("environment registered", "env", name)
	}

	if len(r.order) == 0 {
		return nil, fmt.Errorf("no reachable environments among %v", cfg.EnvironmentOrder)
	}
	return r, nil
}

// NewFromEnvironments builds a registry from pre-built environments, in the
// given order. Used by tests and the single-shot process-queue path.
func NewFromEnvironments(logger *slog.Logger, envs ...*Environment) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		envs:   make(map[string]*Environment),
		logger: logger.With("component", "envreg"),
	}
	for _, env := range envs {
		r.envs[env.Name] = env
		r.order = append(r.order, env.Name)
	}
	return r
}

// List returns environment names in claim-priority order.
func (r *Registry) List() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns the named environment, or nil when absent. Callers skip nil.
func (r *Registry) Get(name string) *Environment {
	return r.envs[name]
}

// Store returns the named environment's datastore, or nil when absent.
func (r *Registry) Store(name string) store.Store {
	if env := r.envs[name]; env != nil {
		return env.Store
	}
	return nil
}

// Storage returns the named environment's object-storage client, or nil.
func (r *Registry) Storage(name string) *storage.Client {
	if env := r.envs[name]; env != nil {
		return env.Storage
	}
	return nil
}

// Close releases every environment's connection pool.
func (r *Registry) Close() error {
	var firstErr error
	for _, close := range r.closers {
		if err := close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
