package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"dnbwatch/internal/domain"
	"dnbwatch/internal/metrics"
	logx "dnbwatch/pkg/logx"
)

// Sink receives notifications one at a time. Implementations must not
// modify the notification.
type Sink interface {
	Name() string
	Handle(ctx context.Context, n domain.Notification) error
}

// BatchSink receives the whole batch in one call. A returned error fails
// every notification of the batch for that sink.
type BatchSink interface {
	Sink
	HandleBatch(ctx context.Context, batch []domain.Notification) error
}

type Options struct {
	// CriticalTypes are tagged PriorityCritical before dispatch.
	// Nil means domain.DefaultCriticalTypes.
	CriticalTypes []domain.NotificationType
	// SinkTimeout bounds one sink's share of a batch.
	SinkTimeout time.Duration
	// Concurrency caps how many sinks run at once; 0 runs them all.
	Concurrency int
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// SinkReport is the outcome of one batch for one sink.
type SinkReport struct {
	Sink      string
	Delivered int
	Failed    int
	Errors    []*domain.SinkDeliveryError
	Elapsed   time.Duration
}

type Report struct {
	Sinks []SinkReport
}

func (r Report) Failed() int {
	n := 0
	for _, s := range r.Sinks {
		n += s.Failed
	}
	return n
}

// Errors flattens every sink failure of the batch.
func (r Report) Errors() []*domain.SinkDeliveryError {
	var out []*domain.SinkDeliveryError
	for _, s := range r.Sinks {
		out = append(out, s.Errors...)
	}
	return out
}

// Router fans a batch out to a fixed set of sinks. One sink failing, hanging
// or panicking never affects the others.
type Router struct {
	log      logx.Logger
	sinks    []Sink
	critical map[domain.NotificationType]bool
	timeout  time.Duration
	limit    int
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(log logx.Logger, opts Options, sinks ...Sink) (*Router, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	types := opts.CriticalTypes
	if types == nil {
		types = domain.DefaultCriticalTypes
	}
	critical := make(map[domain.NotificationType]bool, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("critical type %q: unknown notification type", t)
		}
		critical[t] = true
	}

	seen := map[string]bool{}
	list := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		name := strings.TrimSpace(s.Name())
		if name == "" {
			return nil, errors.New("sink with empty name")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate sink %q", name)
		}
		seen[name] = true
		list = append(list, s)
	}

	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = len(list)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		log:      log,
		sinks:    list,
		critical: critical,
		timeout:  opts.SinkTimeout,
		limit:    max(opts.Concurrency, 1),
		metrics:  opts.Metrics,
		now:      opts.Now,
	}, nil
}

// Sinks returns the configured sink names in order.
func (r *Router) Sinks() []string {
	out := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		out[i] = s.Name()
	}
	return out
}

// Tag returns a copy of batch with priorities set.
func (r *Router) Tag(batch []domain.Notification) []domain.Notification {
	out := make([]domain.Notification, len(batch))
	copy(out, batch)
	for i := range out {
		if r.critical[out[i].Type] {
			out[i].Priority = domain.PriorityCritical
		} else {
			out[i].Priority = domain.PriorityRoutine
		}
	}
	return out
}

// Deliver hands batch to every sink concurrently and waits for all of them.
// The returned notifications are tagged and marked processed.
func (r *Router) Deliver(ctx context.Context, batch []domain.Notification) ([]domain.Notification, Report) {
	if len(batch) == 0 {
		return nil, Report{}
	}
	out := r.Tag(batch)

	reports := make([]SinkReport, len(r.sinks))
	var g errgroup.Group
	g.SetLimit(r.limit)
	for i, s := range r.sinks {
		g.Go(func() error {
			reports[i] = r.run(ctx, s, out)
			return nil
		})
	}
	_ = g.Wait()

	processedAt := r.now().UTC()
	for i := range out {
		out[i].Processed = true
		out[i].ProcessedAt = processedAt
	}
	return out, Report{Sinks: reports}
}

func (r *Router) run(ctx context.Context, s Sink, batch []domain.Notification) (rep SinkReport) {
	name := s.Name()
	rep.Sink = name
	start := time.Now()
	defer func() {
		rep.Elapsed = time.Since(start)
		r.metrics.AddDeliveries(name, "ok", rep.Delivered)
		r.metrics.AddDeliveries(name, "error", rep.Failed)
	}()

	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if bs, ok := s.(BatchSink); ok {
		if err := r.guard(name, func() error { return bs.HandleBatch(sctx, batch) }); err != nil {
			rep.Failed = len(batch)
			rep.Errors = append(rep.Errors, &domain.SinkDeliveryError{Sink: name, Err: err})
			r.log.Warn("sink rejected batch",
				logx.Sink(name),
				logx.Registration(batch[0].Registration),
				logx.Int("size", len(batch)),
				logx.Err(err),
			)
			return rep
		}
		rep.Delivered = len(batch)
		return rep
	}

	for _, n := range batch {
		err := sctx.Err()
		if err == nil {
			err = r.guard(name, func() error { return s.Handle(sctx, n) })
		}
		if err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, &domain.SinkDeliveryError{Sink: name, NotificationID: n.ID, Err: err})
			r.log.Warn("sink rejected notification",
				logx.Sink(name),
				logx.Registration(n.Registration),
				logx.Notification(n.ID),
				logx.Err(err),
			)
			continue
		}
		rep.Delivered++
	}
	return rep
}

func (r *Router) guard(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			r.log.Error("sink panicked", logx.Sink(name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn()
}

// Close closes every sink that holds resources.
func (r *Router) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
