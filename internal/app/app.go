// Package app wires configuration, logging, storage, the upstream client,
// the delivery pipeline and the scheduler into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"dnbwatch/internal/auth"
	"dnbwatch/internal/config"
	"dnbwatch/internal/delivery"
	"dnbwatch/internal/dnb"
	"dnbwatch/internal/domain"
	"dnbwatch/internal/eventbus"
	"dnbwatch/internal/gate"
	"dnbwatch/internal/ingest"
	"dnbwatch/internal/metrics"
	"dnbwatch/internal/ops"
	"dnbwatch/internal/portfolio"
	"dnbwatch/internal/pull"
	"dnbwatch/internal/runtime/supervisor"
	"dnbwatch/internal/scheduler"
	"dnbwatch/internal/storage"
	logx "dnbwatch/pkg/logx"
)

var (
	errNoRegistration = errors.New("no registration given and none configured under monitor.registrations")
	errInputDisabled  = errors.New("file input is not enabled; set input.enabled and input.path")
)

type options struct {
	hc     *http.Client
	sinks  []delivery.Sink
	custom bool
	getenv func(string) string
}

type Option func(*options)

// WithHTTPClient replaces the client used for upstream and CRM calls.
func WithHTTPClient(hc *http.Client) Option { return func(o *options) { o.hc = hc } }

// WithSinks replaces the configured sinks.
func WithSinks(sinks ...delivery.Sink) Option {
	return func(o *options) { o.sinks, o.custom = sinks, true }
}

// WithEnv replaces the environment lookup used for secret overrides.
func WithEnv(getenv func(string) string) Option { return func(o *options) { o.getenv = getenv } }

type App struct {
	cfgm    *config.ConfigManager
	root    logx.Logger
	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store
	gate    *gate.Gate
	client  *dnb.Client
	router  *delivery.Router
	pull    *pull.Service
	ingest  *ingest.Ingester
	folio   *portfolio.Manager
	ops     *ops.Service

	mu        sync.Mutex
	sup       *supervisor.Supervisor
	monitor   *scheduler.Monitor
	overrides MonitorOverrides
	stopped   bool
}

// NewApp loads cfgPath and builds every component. Nothing runs in the
// background until Start.
func NewApp(cfgPath string, opts ...Option) (_ *App, err error) {
	o := options{hc: &http.Client{}}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	if o.getenv != nil {
		cfgm.SetEnv(o.getenv)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLogging(cfg))
	a := &App{
		cfgm:    cfgm,
		root:    root,
		log:     root.Component("app"),
		logs:    logs,
		bus:     eventbus.New(),
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()
	comp := root.Component

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, comp("storage")); err != nil {
		return nil, err
	}

	ac, err := mapAuth(cfg)
	if err != nil {
		return nil, err
	}
	gc, err := mapGate(cfg)
	if err != nil {
		return nil, err
	}
	tokens := auth.NewManager(ac, o.hc, comp("auth"))
	a.gate = gate.New(gc, comp("gate"), gate.WithMetrics(a.metrics))
	a.client = dnb.New(baseURL(cfg), o.hc, tokens, a.gate, comp("dnb"))

	sinks := o.sinks
	if !o.custom {
		if sinks, err = buildSinks(context.Background(), cfg, o.hc, root); err != nil {
			return nil, err
		}
	}
	ro, err := mapRouter(cfg)
	if err != nil {
		return nil, err
	}
	ro.Metrics = a.metrics
	if a.router, err = delivery.New(comp("delivery"), ro, sinks...); err != nil {
		return nil, err
	}

	pc, err := mapPull(cfg)
	if err != nil {
		return nil, err
	}
	if a.pull, err = pull.New(a.client, a.router, a.store, pc, root,
		pull.WithBus(a.bus), pull.WithMetrics(a.metrics)); err != nil {
		return nil, err
	}
	if cfg.Input.Enabled {
		ic, err := mapInput(cfg)
		if err != nil {
			return nil, err
		}
		if a.ingest, err = ingest.New(ic, a.router, a.store, comp("ingest"), ingest.WithMetrics(a.metrics)); err != nil {
			return nil, err
		}
	}
	a.folio = portfolio.New(a.client, root)

	oc, err := mapOps(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(oc, ops.NewRouter(ops.Deps{
		Metrics:   a.metrics,
		Health:    a.health,
		Status:    a.status,
		Profiling: cfg.Ops.Profiling,
	}), root)

	a.log.Debug("app built",
		logx.String("config", cfgPath),
		logx.String("storage", sc.Driver),
		logx.Strings("sinks", a.router.Sinks()))
	return a, nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
// Logger is the root logger, without a component.
func (a *App) Logger() logx.Logger { return a.root }
func (a *App) Pull() *pull.Service { return a.pull }
func (a *App) Portfolio() *portfolio.Manager { return a.folio }

// Ingester is the FTP_PUSH file input; it fails when input is disabled.
func (a *App) Ingester() (*ingest.Ingester, error) {
	if a.ingest == nil {
		return nil, errInputDisabled
	}
	return a.ingest, nil
}
func (a *App) Store() storage.Store { return a.store }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
func (a *App) Router() *delivery.Router { return a.router }
func (a *App) OpsAddr() string { return a.ops.Addr() }
func (a *App) Supervisor() *supervisor.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

// Registration returns ref when set, otherwise the first configured one.
func (a *App) Registration(ref string) (string, error) {
	if ref = strings.TrimSpace(ref); ref != "" {
		return ref, domain.ValidateReference(ref)
	}
	if regs := a.Config().Monitor.Registrations; len(regs) > 0 {
		return regs[0], nil
	}
	return "", errNoRegistration
}

// MaxBatch returns n when set, otherwise the configured page size.
func (a *App) MaxBatch(n int) int {
	if n != 0 {
		return n
	}
	return maxBatch(a.Config())
}

// NewMonitor builds the scheduler from config with o applied on top. The
// overrides survive config reloads.
func (a *App) NewMonitor(o MonitorOverrides) (*scheduler.Monitor, error) {
	mc, err := mapMonitor(a.Config(), o)
	if err != nil {
		return nil, err
	}
	if len(mc.Registrations) == 0 {
		return nil, errNoRegistration
	}
	m, err := scheduler.New(a.pull, a.store, mc, a.root.Component("scheduler"),
		scheduler.WithBus(a.bus), scheduler.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.monitor, a.overrides = m, o
	a.mu.Unlock()
	return m, nil
}

// Start launches the background services: config watch and hot reload,
// the ops server, the event log and, when enabled, the file input watch.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup = sup
	a.mu.Unlock()

	a.cfgm.SetLogger(a.root.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.ops.Start(sup.Context())

	events, unsub := a.bus.Subscribe(128)
	sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	updates := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-updates:
				if !ok {
					return nil
				}
				// keep only the newest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-updates:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	sup.Go("config.watch", a.cfgm.Watch)
	if a.ingest != nil {
		sup.Go("ingest.watch", func(c context.Context) error { return a.ingest.Watch(c, nil) })
	}

	a.log.Info("app started", logx.Strings("sinks", a.router.Sinks()))
	return nil
}

// applyConfig hot-applies the sections that support it: logging, the
// gate, the monitor schedule and the ops server.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogging(next))
	if gc, err := mapGate(next); err == nil {
		a.gate.Apply(gc)
	}
	if oc, err := mapOps(next); err == nil {
		a.ops.Reconfigure(ctx, oc)
	}

	a.mu.Lock()
	m, o := a.monitor, a.overrides
	a.mu.Unlock()
	if m != nil {
		mc, err := mapMonitor(next, o)
		if err == nil {
			err = m.Reconfigure(mc)
		}
		if err != nil {
			a.log.Warn("monitor config not applied; keeping previous", logx.Err(err))
		}
	}

	for _, s := range sections {
		switch s {
		case "storage", "delivery", "dnb", "pull", "input":
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	eventbus.Publish(a.bus, eventbus.ConfigReloaded, sections)
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) health(context.Context) error {
	a.mu.Lock()
	m := a.monitor
	a.mu.Unlock()
	if m != nil && m.State() == scheduler.StateError {
		return fmt.Errorf("scheduler in %s: %s", m.State(), m.Status().LastError)
	}
	return nil
}

// Status is the document served on /status.
type Status struct {
	Registrations []pull.Status        `json:"registrations"`
	Cursors       []domain.Cursor      `json:"cursors,omitempty"`
	Scheduler     *scheduler.Status    `json:"scheduler,omitempty"`
	Sinks         []string             `json:"sinks"`
	Supervisor    *supervisor.Snapshot `json:"supervisor,omitempty"`
	EventsDropped uint64               `json:"events_dropped"`
	Errors        map[string]string    `json:"errors,omitempty"`
}

func (a *App) status(ctx context.Context) any {
	st := Status{
		Registrations: a.pull.Snapshot(),
		Sinks:         a.router.Sinks(),
		EventsDropped: eventbus.Dropped(a.bus),
	}
	if cur, err := a.store.Cursors(ctx); err != nil {
		st.Errors = map[string]string{"cursors": err.Error()}
	} else {
		st.Cursors = cur
	}
	a.mu.Lock()
	m, sup := a.monitor, a.sup
	a.mu.Unlock()
	if m != nil {
		s := m.Status()
		st.Scheduler = &s
	}
	if sup != nil {
		snap := sup.Snapshot()
		st.Supervisor = &snap
	}
	return st
}

// Stop shuts everything down in order, bounding each step so one stuck
// component cannot stall the rest. It is safe to call without Start.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	sup, m := a.sup, a.monitor
	a.mu.Unlock()

	a.log.Info("stopping", logx.String("reason", string(reason)))
	if m != nil {
		m.Stop()
	}
	if sup != nil {
		sup.Cancel()
	}

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		sctx, cancel := context.WithTimeout(ctx, max(limit, 0))
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	if sup != nil {
		step("supervisor", 3*time.Second, sup.Wait)
	}
	step("resources", 3*time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.router != nil {
		errs = append(errs, a.router.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
