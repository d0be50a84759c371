package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return nil
}

func (r *sleepRecorder) total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum time.Duration
	for _, w := range r.waits {
		sum += w
	}
	return sum
}

func newTestGate(rec *sleepRecorder, cfg Config) *Gate {
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	return New(cfg, logx.Nop(), WithSleep(rec.sleep), WithJitter(func() float64 { return 1 }))
}

func TestTwoThrottlesThenSuccess(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	g := newTestGate(rec, Config{RetryMax: 3, RetryBase: time.Second, MaxDelay: 10 * time.Second})

	calls := 0
	err := g.Do(context.Background(), "pull", func(context.Context) error {
		calls++
		if calls <= 2 {
			return Throttled(errors.New("429"), 0)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{g.Backoff(1), g.Backoff(2)}, rec.waits)
	assert.Equal(t, g.Backoff(1)+g.Backoff(2), rec.total())
	assert.Equal(t, 3*time.Second, rec.total())
}

func TestThrottleExhaustionIsRateLimitExceeded(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	g := newTestGate(rec, Config{RetryMax: 2})

	calls := 0
	err := g.Do(context.Background(), "pull", func(context.Context) error {
		calls++
		return Throttled(errors.New("429"), 0)
	})
	require.ErrorIs(t, err, domain.ErrRateLimitExceeded)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.waits, 2)
}

func TestTransientRetriedThenSurfaced(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	g := newTestGate(rec, Config{RetryMax: 1})

	cause := errors.New("502 bad gateway")
	calls := 0
	err := g.Do(context.Background(), "pull", func(context.Context) error {
		calls++
		return Transient(cause)
	})
	require.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, domain.ErrRateLimitExceeded)
	assert.Equal(t, 2, calls)
}

func TestPermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	g := newTestGate(rec, Config{RetryMax: 5})

	calls := 0
	err := g.Do(context.Background(), "token", func(context.Context) error {
		calls++
		return &domain.AuthError{Status: 401, Err: errors.New("nope")}
	})
	require.ErrorIs(t, err, domain.ErrAuth)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.waits)
}

func TestBackoffCappedAndRetryAfterFloor(t *testing.T) {
	t.Parallel()
	g := newTestGate(&sleepRecorder{}, Config{RetryBase: time.Second, MaxDelay: 5 * time.Second})
	assert.Equal(t, time.Second, g.Backoff(1))
	assert.Equal(t, 2*time.Second, g.Backoff(2))
	assert.Equal(t, 4*time.Second, g.Backoff(3))
	assert.Equal(t, 5*time.Second, g.Backoff(4))

	cfg := g.Config()
	assert.Equal(t, 3*time.Second, g.delay(cfg, 1, Throttled(errors.New("429"), 3*time.Second)))
	assert.Equal(t, 5*time.Second, g.delay(cfg, 1, Throttled(errors.New("429"), time.Minute)))
}

func TestDoHonorsCancellationDuringBackoff(t *testing.T) {
	t.Parallel()
	g := New(Config{RatePerSec: 1000, RetryMax: 3, RetryBase: time.Hour, MaxDelay: time.Hour}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- g.Do(ctx, "pull", func(context.Context) error { return Throttled(errors.New("429"), 0) })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestPerAttemptTimeout(t *testing.T) {
	t.Parallel()
	g := newTestGate(&sleepRecorder{}, Config{Timeout: 10 * time.Millisecond})
	err := g.Do(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimitSharedAcrossCallers(t *testing.T) {
	t.Parallel()
	g := New(Config{RatePerSec: 5}, logx.Nop())

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Do(context.Background(), "x", func(context.Context) error { return nil })
		}()
	}
	wg.Wait()
	// Burst of 5, then 5 more at 5/s.
	assert.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)
}
