// Package scheduler runs pull cycles for every configured registration on a
// fixed interval or cron schedule until stopped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dnbwatch/internal/domain"
	"dnbwatch/internal/eventbus"
	"dnbwatch/internal/metrics"
	"dnbwatch/internal/pull"
	"dnbwatch/internal/runtime/supervisor"
	logx "dnbwatch/pkg/logx"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateError:
		return "ERROR"
	default:
		return "STOPPED"
	}
}

const (
	DefaultInterval        = 5 * time.Minute
	DefaultMaxAuthFailures = 3
	DefaultMaxBackoff      = time.Hour
	DefaultMaxBatch        = 10
	DefaultCycleTimeout    = 15 * time.Minute

	// replayMargin keeps clamped recovery replays inside the window.
	replayMargin = time.Minute
)

var ErrRunning = errors.New("scheduler already running")

type Puller interface {
	Pull(ctx context.Context, ref string, maxBatch int) (pull.Result, error)
	Replay(ctx context.Context, ref string, since time.Time, maxBatch int) (pull.Result, error)
}

type Cursors interface {
	GetCursor(ctx context.Context, ref string) (domain.Cursor, bool, error)
}

type Config struct {
	Registrations []string
	MaxBatch      int
	// Schedule overrides Interval when set.
	Interval        time.Duration
	Schedule        string
	Duration        time.Duration
	MaxAuthFailures int
	MaxBackoff      time.Duration
	ReplayWindow    time.Duration
	// CycleTimeout bounds one cycle once it has started.
	CycleTimeout time.Duration
}

type Option func(*Monitor)

func WithBus(b eventbus.Bus) Option        { return func(m *Monitor) { m.bus = b } }
func WithMetrics(x *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = x } }
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

type Monitor struct {
	puller  Puller
	cursors Cursors
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	state atomic.Int32

	mu       sync.Mutex
	cfg      Config
	schedule Schedule
	stop     chan struct{}
	stopOnce *sync.Once
	regs     map[string]*regHealth
	cycles   int
	lastErr  string
}

type regHealth struct {
	failed        bool
	lastSuccessAt time.Time
}

// Status is a point-in-time view for the ops endpoint.
type Status struct {
	State         string   `json:"state"`
	Schedule      string   `json:"schedule"`
	Registrations []string `json:"registrations"`
	Cycles        int      `json:"cycles"`
	LastError     string   `json:"last_error,omitempty"`
}

// CycleReport summarizes one cycle across registrations. More lists the
// registrations whose queue was not drained.
type CycleReport struct {
	Cycle        int
	Started      time.Time
	Elapsed      time.Duration
	Pulled       int
	Failed       []string
	More         []string
	AuthFailures int
}

func New(p Puller, cursors Cursors, cfg Config, log logx.Logger, opts ...Option) (*Monitor, error) {
	if p == nil || cursors == nil {
		return nil, errors.New("scheduler: puller and cursors are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{
		puller:  p,
		cursors: cursors,
		log:     log,
		now:     time.Now,
		regs:    map[string]*regHealth{},
	}
	for _, o := range opts {
		o(m)
	}
	if err := m.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Reconfigure validates cfg and applies it from the next cycle on.
func (m *Monitor) Reconfigure(cfg Config) error {
	if len(cfg.Registrations) == 0 {
		return errors.New("scheduler: at least one registration is required")
	}
	for _, ref := range cfg.Registrations {
		if err := domain.ValidateReference(ref); err != nil {
			return err
		}
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if err := pull.ValidateBatch(cfg.MaxBatch); err != nil {
		return err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAuthFailures <= 0 {
		cfg.MaxAuthFailures = DefaultMaxAuthFailures
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = pull.DefaultReplayWindow
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	sched := Every(cfg.Interval)
	if cfg.Schedule != "" {
		var err error
		if sched, err = ParseSchedule(cfg.Schedule); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	m.mu.Lock()
	m.cfg = cfg
	m.schedule = sched
	m.mu.Unlock()
	return nil
}

func (m *Monitor) State() State { return State(m.state.Load()) }

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:         m.State().String(),
		Schedule:      m.schedule.String(),
		Registrations: append([]string(nil), m.cfg.Registrations...),
		Cycles:        m.cycles,
		LastError:     m.lastErr,
	}
}

// Stop asks a running Run to return after the current cycle. An in-flight
// pull is never interrupted.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, once := m.stop, m.stopOnce
	m.mu.Unlock()
	if once != nil {
		once.Do(func() { close(stop) })
	}
}

// Run drives cycles until ctx is done, Stop is called or the configured
// Duration elapses, all of which return nil. It returns domain.ErrAuth after
// MaxAuthFailures consecutive cycles failed to authenticate.
//
// Cancelling ctx acts like Stop: a cycle already running finishes, bounded
// by CycleTimeout, before Run returns.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) &&
		!m.state.CompareAndSwap(int32(StateError), int32(StateRunning)) {
		return ErrRunning
	}
	stop := make(chan struct{})
	m.mu.Lock()
	m.stop, m.stopOnce = stop, &sync.Once{}
	cfg := m.cfg
	m.mu.Unlock()
	m.setState(StateRunning)

	if ctx.Err() != nil {
		m.setState(StateStopped)
		return nil
	}
	unwatch := context.AfterFunc(ctx, m.Stop)
	defer unwatch()
	runCtx := context.WithoutCancel(ctx)

	var deadline time.Time
	if cfg.Duration > 0 {
		deadline = m.now().Add(cfg.Duration)
	}
	m.log.Info("monitor started",
		logx.Strings("registrations", cfg.Registrations),
		logx.String("schedule", m.Status().Schedule),
		logx.Duration("duration", cfg.Duration))

	authFailures, failedCycles := 0, 0
	for {
		rep := m.cycle(runCtx)
		if rep.AuthFailures > 0 {
			authFailures++
		} else {
			authFailures = 0
		}
		if len(rep.Failed) > 0 {
			failedCycles++
		} else {
			failedCycles = 0
		}

		m.mu.Lock()
		cfg = m.cfg
		sched := m.schedule
		m.mu.Unlock()

		if authFailures >= cfg.MaxAuthFailures {
			m.setError(fmt.Sprintf("%d consecutive cycles failed to authenticate", authFailures))
			m.log.Error("monitor halted on authentication failures", logx.Int("cycles", authFailures))
			return fmt.Errorf("%w: %d consecutive cycles", domain.ErrAuth, authFailures)
		}

		now := m.now()
		wait := sched.Next(now).Sub(now)
		switch {
		case failedCycles > 0:
			wait = Backoff(sched.Nominal(now), failedCycles, cfg.MaxBackoff)
			m.log.Warn("cycle had failures, backing off",
				logx.Strings("failed", rep.Failed), logx.Duration("wait", wait))
		case len(rep.More) > 0:
			wait = 0
			m.log.Info("queues not drained, next cycle starts now", logx.Strings("registrations", rep.More))
		}
		if !deadline.IsZero() {
			if !now.Before(deadline) {
				m.log.Info("monitor duration elapsed")
				m.setState(StateStopped)
				return nil
			}
			if left := deadline.Sub(now); wait > left {
				wait = left
			}
		}
		if !m.wait(ctx, stop, wait) {
			m.log.Info("monitor stopped")
			m.setState(StateStopped)
			return nil
		}
		if !deadline.IsZero() && !m.now().Before(deadline) {
			m.log.Info("monitor duration elapsed")
			m.setState(StateStopped)
			return nil
		}
	}
}

// wait returns false when the monitor should stop instead of running the
// next cycle.
func (m *Monitor) wait(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	select {
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	default:
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Backoff is the wait after n consecutive failed cycles:
// min(interval * 2^n, max).
func Backoff(interval time.Duration, n int, limit time.Duration) time.Duration {
	d := interval
	for i := 0; i < n; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return d
}

// cycle pulls every registration concurrently and waits for all of them.
func (m *Monitor) cycle(ctx context.Context) CycleReport {
	m.mu.Lock()
	m.cycles++
	cfg := m.cfg
	nominal := m.schedule.Nominal(m.now())
	rep := CycleReport{Cycle: m.cycles, Started: m.now()}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, cfg.CycleTimeout)
	defer cancel()

	var mu sync.Mutex
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log))
	defer sup.Cancel()
	for _, ref := range cfg.Registrations {
		ref := ref
		sup.Go(ref, func(ctx context.Context) error {
			n, more, err := m.runRegistration(ctx, cfg, ref, nominal)
			mu.Lock()
			defer mu.Unlock()
			rep.Pulled += n
			if more {
				rep.More = append(rep.More, ref)
			}
			if err != nil {
				rep.Failed = append(rep.Failed, ref)
				if errors.Is(err, domain.ErrAuth) {
					rep.AuthFailures++
				}
			}
			return err
		})
	}
	// Pulls are bounded by their own timeouts; waiting on them is never cut
	// short so a cycle always completes before Run looks at Stop.
	err := sup.Wait(context.Background())
	for _, ref := range sup.Panicked() {
		m.markFailed(ref)
		rep.Failed = append(rep.Failed, ref)
	}
	rep.Elapsed = m.now().Sub(rep.Started)

	outcome := "ok"
	if len(rep.Failed) > 0 {
		outcome = "failed"
	}
	m.mu.Lock()
	if err != nil {
		m.lastErr = err.Error()
	} else {
		m.lastErr = ""
	}
	m.mu.Unlock()
	m.metrics.Cycle("all", outcome)
	m.log.Info("cycle finished",
		logx.Int("cycle", rep.Cycle),
		logx.Int("pulled", rep.Pulled),
		logx.Strings("failed", rep.Failed),
		logx.Duration("elapsed", rep.Elapsed))
	eventbus.Publish(m.bus, eventbus.SchedulerCycle, rep)
	return rep
}

// runRegistration replays first when the previous cycle for ref failed or
// its last success is older than two nominal intervals, then pulls.
func (m *Monitor) runRegistration(ctx context.Context, cfg Config, ref string, nominal time.Duration) (pulled int, more bool, err error) {
	m.mu.Lock()
	h := m.regs[ref]
	if h == nil {
		h = &regHealth{}
		m.regs[ref] = h
	}
	replay := h.failed || (!h.lastSuccessAt.IsZero() && m.now().Sub(h.lastSuccessAt) > 2*nominal)
	m.mu.Unlock()

	if replay {
		n, err := m.recoveryReplay(ctx, cfg, ref)
		pulled += n
		if errors.Is(err, domain.ErrAuth) {
			m.markFailed(ref)
			return pulled, false, err
		}
	}

	res, err := m.puller.Pull(ctx, ref, cfg.MaxBatch)
	pulled += len(res.Notifications)
	m.metrics.Cycle(ref, outcomeOf(err))
	if err != nil {
		m.markFailed(ref)
		return pulled, res.More, err
	}
	m.mu.Lock()
	h.failed = false
	h.lastSuccessAt = m.now()
	m.mu.Unlock()
	return pulled, res.More, nil
}

func (m *Monitor) recoveryReplay(ctx context.Context, cfg Config, ref string) (int, error) {
	cur, ok, err := m.cursors.GetCursor(ctx, ref)
	if err != nil {
		m.log.Warn("recovery replay skipped", logx.Registration(ref), logx.Err(err))
		return 0, nil
	}
	if !ok || cur.LastNotificationAt.IsZero() {
		return 0, nil
	}
	since := cur.LastNotificationAt
	if oldest := m.now().Add(-cfg.ReplayWindow + replayMargin); since.Before(oldest) {
		since = oldest
	}
	m.log.Info("recovery replay", logx.Registration(ref), logx.Time("since", since))
	res, err := m.puller.Replay(ctx, ref, since, cfg.MaxBatch)
	if err != nil {
		m.log.Warn("recovery replay failed", logx.Registration(ref), logx.Err(err))
		return 0, err
	}
	return len(res.Notifications), nil
}

func (m *Monitor) markFailed(ref string) {
	m.mu.Lock()
	if h := m.regs[ref]; h != nil {
		h.failed = true
	}
	m.mu.Unlock()
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
	m.metrics.SetSchedulerState(int(s))
	eventbus.Publish(m.bus, eventbus.SchedulerState, s)
}

func (m *Monitor) setError(msg string) {
	m.mu.Lock()
	m.lastErr = msg
	m.mu.Unlock()
	m.setState(StateError)
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return domain.ErrorKind(err)
}
