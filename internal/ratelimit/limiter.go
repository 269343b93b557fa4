// Package ratelimit enforces a cross-process requests-per-minute and
// tokens-per-minute budget for each vision model. State lives in Redis so
// every worker process on every machine draws from the same budget; the
// only operations used are atomic increments on windowed keys.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is the shared budget for one model.
type Limiter struct {
	rdb    *redis.Client
	model  string
	rpm    int
	tpm    int
	logger *slog.Logger

	// window is one budget period. Always a minute in production; tests
	// shrink it so refusal paths run in milliseconds.
	window time.Duration

	// now is swappable for tests.
	now func() time.Time

	// Statistics (local to this process, for observability only).
	totalConsumed atomic.Int64
	totalWaited   atomic.Int64 // nanoseconds
}

// Permit is one acquired reservation. Must be released exactly once.
type Permit struct {
	rpmKey   string
	tpmKey   string
	estimate int64
	released atomic.Bool
}

// Status reports limiter state for the current window.
type Status struct {
	Model         string `json:"model"`
	RequestsUsed  int64  `json:"requests_used"`
	RequestsLimit int    `json:"requests_limit"`
	TokensUsed    int64  `json:"tokens_used"`
	TokensLimit   int    `json:"tokens_limit"`
	ActiveCalls   int64  `json:"active_calls"`
	TotalConsumed int64  `json:"total_consumed"`
	TotalWaitedMs int64  `json:"total_waited_ms"`
}

// Config configures a limiter.
type Config struct {
	Client   *redis.Client
	Model    string
	RPMLimit int
	TPMLimit int
	Logger   *slog.Logger
}

// New creates a limiter for one model.
func New(cfg Config) *Limiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rpm := cfg.RPMLimit
	if rpm <= 0 {
		rpm = 150
	}
	tpm := cfg.TPMLimit
	if tpm <= 0 {
		tpm = 200000
	}
	return &Limiter{
		rdb:    cfg.Client,
		model:  cfg.Model,
		rpm:    rpm,
		tpm:    tpm,
		window: time.Minute,
		now:    time.Now,
		logger: logger.With("component", "ratelimit", "model", cfg.Model),
	}
}

func (l *Limiter) keys(t time.Time) (rpmKey, tpmKey string) {
	bucket := t.UnixNano() / int64(l.window)
	rpmKey = fmt.Sprintf("rl:%s:rpm:%d", l.model, bucket)
	tpmKey = fmt.Sprintf("rl:%s:tpm:%d", l.model, bucket)
	return
}

func (l *Limiter) gaugeKey() string {
	return fmt.Sprintf("rl:%s:active", l.model)
}

// Acquire reserves one request and estimateTokens tokens from the current
// window, blocking until the budget allows it or ctx is cancelled. A
// refused reservation is rolled back before sleeping, so waiting callers
// hold nothing.
func (l *Limiter) Acquire(ctx context.Context, estimateTokens int) (*Permit, error) {
	est := int64(estimateTokens)
	for {
		start := l.now()
		rpmKey, tpmKey := l.keys(start)

		pipe := l.rdb.TxPipeline()
		reqs := pipe.Incr(ctx, rpmKey)
		toks := pipe.IncrBy(ctx, tpmKey, est)
		// Two windows of TTL: keys survive the window they bound plus one
		// more so late Release adjustments land, then expire on their own.
		pipe.Expire(ctx, rpmKey, 2*l.window)
		pipe.Expire(ctx, tpmKey, 2*l.window)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("rate limit reservation failed: %w", err)
		}

		if reqs.Val() <= int64(l.rpm) && toks.Val() <= int64(l.tpm) {
			l.rdb.Incr(ctx, l.gaugeKey())
			l.totalConsumed.Add(1)
			return &Permit{rpmKey: rpmKey, tpmKey: tpmKey, estimate: est}, nil
		}

		// Over budget: roll the reservation back, then sleep to the next
		// window boundary.
		l.rollback(ctx, rpmKey, tpmKey, est)

		boundary := start.Truncate(l.window).Add(l.window)
		wait := boundary.Sub(l.now())
		if wait < 0 {
			continue
		}
		l.logger.Debug("budget exhausted, sleeping to window boundary",
			"requests", reqs.Val(), "tokens", toks.Val(), "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			l.totalWaited.Add(int64(wait))
		}
	}
}

// Release settles a permit with the call's measured token usage and
// decrements the active-call gauge. Safe to call once per permit; repeated
// calls are no-ops.
func (l *Limiter) Release(ctx context.Context, p *Permit, actualTokens int) {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	// The estimate was reserved up front; adjust to the measured value.
	delta := int64(actualTokens) - p.estimate
	if delta != 0 {
		if err := l.rdb.IncrBy(ctx, p.tpmKey, delta).Err(); err != nil {
			l.logger.Warn("token usage adjustment failed", "error", err)
		}
	}
	if err := l.rdb.Decr(ctx, l.gaugeKey()).Err(); err != nil {
		l.logger.Warn("active gauge decrement failed", "error", err)
	}
}

// Cancel returns a permit unused, releasing the full reservation. Called
// when the guarded call never happened.
func (l *Limiter) Cancel(ctx context.Context, p *Permit) {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	l.rollback(ctx, p.rpmKey, p.tpmKey, p.estimate)
	l.rdb.Decr(ctx, l.gaugeKey())
}

func (l *Limiter) rollback(ctx context.Context, rpmKey, tpmKey string, est int64) {
	pipe := l.rdb.TxPipeline()
	pipe.Decr(ctx, rpmKey)
	pipe.DecrBy(ctx, tpmKey, est)
	if _, err := pipe.Exec(ctx); err != nil {
		// A failed rollback over-counts the window; the key expires with
		// the window so the damage is bounded.
		l.logger.Warn("reservation rollback failed", "error", err)
	}
}

// ActiveCalls returns the shared in-flight gauge.
func (l *Limiter) ActiveCalls(ctx context.Context) (int64, error) {
	n, err := l.rdb.Get(ctx, l.gaugeKey()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Status reports the current window's usage.
func (l *Limiter) Status(ctx context.Context) (Status, error) {
	rpmKey, tpmKey := l.keys(l.now())
	st := Status{
		Model:         l.model,
		RequestsLimit: l.rpm,
		TokensLimit:   l.tpm,
		TotalConsumed: l.totalConsumed.Load(),
		TotalWaitedMs: l.totalWaited.Load() / int64(time.Millisecond),
	}
	var err error
	if st.RequestsUsed, err = l.getInt(ctx, rpmKey); err != nil {
		return st, err
	}
	if st.TokensUsed, err = l.getInt(ctx, tpmKey); err != nil {
		return st, err
	}
	if st.ActiveCalls, err = l.ActiveCalls(ctx); err != nil {
		return st, err
	}
	return st, nil
}

func (l *Limiter) getInt(ctx context.Context, key string) (int64, error) {
	n, err := l.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// OpenClient connects to the shared counter store.
func OpenClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
