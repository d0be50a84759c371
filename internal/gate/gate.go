package gate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dnbwatch/internal/domain"
	"dnbwatch/internal/metrics"
	logx "dnbwatch/pkg/logx"
)

type Config struct {
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
	MaxDelay   time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// Gate throttles every outbound call through one process-wide token bucket
// and retries throttled or transient failures with jittered exponential backoff.
//
// rate.Limiter hands out reservations in call order, so waiters are served FIFO.
// It is safe for concurrent use.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	log     logx.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
}

type Option func(*Gate)

func WithMetrics(m *metrics.Metrics) Option { return func(g *Gate) { g.metrics = m } }

// WithSleep replaces the cancellable wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gate) {
		if fn != nil {
			g.sleep = fn
		}
	}
}

// WithJitter replaces the backoff multiplier source (default 0.7..1.3).
func WithJitter(fn func() float64) Option {
	return func(g *Gate) {
		if fn != nil {
			g.jitter = fn
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	g := &Gate{
		log:   log,
		sleep: sleepCtx,
		jitter: func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return 0.7 + rng.Float64()*0.6
		},
	}
	for _, o := range opts {
		o(g)
	}
	g.applyLocked(cfg)
	return g
}

func (g *Gate) Apply(cfg Config) {
	g.mu.Lock()
	g.applyLocked(cfg)
	g.mu.Unlock()
}

func (g *Gate) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.MaxDelay < cfg.RetryBase {
		cfg.MaxDelay = cfg.RetryBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	g.cfg = cfg
	if g.limiter == nil {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	// Keep the existing bucket so queued waiters keep their place.
	g.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	g.limiter.SetBurst(cfg.RatePerSec)
}

func (g *Gate) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Do runs fn under the rate limit. Errors marked Throttled or Transient are
// retried up to RetryMax times; an exhausted throttle sequence surfaces as
// domain.ErrRateLimitExceeded. Any other error is returned as is.
func (g *Gate) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	cfg := g.cfg
	lim := g.limiter
	g.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			g.metrics.Request(op, "ok")
			return nil
		}
		lastErr = err

		throttled := IsThrottled(err)
		if !throttled && !IsTransient(err) {
			g.metrics.Request(op, "error")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reason := "transient"
		if throttled {
			reason = "throttled"
			g.metrics.Throttle()
		}
		if attempt >= maxAttempts {
			break
		}

		delay := g.delay(cfg, attempt, err)
		g.metrics.Retry(reason)
		g.log.Debug("upstream call retry",
			logx.String("op", op),
			logx.String("reason", reason),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
	}

	g.metrics.Request(op, "exhausted")
	if IsThrottled(lastErr) {
		return fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrRateLimitExceeded, op, maxAttempts, lastErr)
	}
	return lastErr
}

// Backoff is the un-jittered delay after the given failed attempt:
// RetryBase * 2^(attempt-1), capped at MaxDelay.
func (g *Gate) Backoff(attempt int) time.Duration {
	return backoff(g.Config(), attempt)
}

func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	return d
}

func (g *Gate) delay(cfg Config, attempt int, err error) time.Duration {
	d := time.Duration(float64(backoff(cfg, attempt)) * g.jitter())
	var ra RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > d {
		d = ra.RetryAfter()
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
