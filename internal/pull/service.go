// Package pull drains a registration's notification queue: it pages through
// pending notifications, drops duplicates, hands each batch to the delivery
// router, acknowledges the page and advances the persisted cursor.
//
// Calls for one registration are serialized; distinct registrations run
// concurrently and share the request gate behind the API client.
package pull

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"dnbwatch/internal/delivery"
	"dnbwatch/internal/dnb"
	"dnbwatch/internal/domain"
	"dnbwatch/internal/eventbus"
	"dnbwatch/internal/metrics"
	"dnbwatch/internal/normalize"
	logx "dnbwatch/pkg/logx"
)

const (
	MinBatch = 1
	MaxBatch = 100

	DefaultMaxPages     = 50
	DefaultReplayWindow = 14 * 24 * time.Hour
	DefaultDedupSize    = 10000
	DefaultPageTimeout  = 2 * time.Minute
)

// API is the upstream surface the service drives.
type API interface {
	Notifications(ctx context.Context, ref string, max int) (dnb.Page, error)
	Replay(ctx context.Context, ref string, since time.Time, max int) (dnb.Page, error)
	Acknowledge(ctx context.Context, ref, transactionID string) error
}

type Deliverer interface {
	Deliver(ctx context.Context, batch []domain.Notification) ([]domain.Notification, delivery.Report)
}

// Store persists cursors and sink failures.
type Store interface {
	GetCursor(ctx context.Context, ref string) (domain.Cursor, bool, error)
	PutCursor(ctx context.Context, c domain.Cursor) error
	AppendSinkFailure(ctx context.Context, f domain.SinkFailure) error
}

type Config struct {
	MaxPages     int
	ReplayWindow time.Duration
	DedupSize    int
	// PageTimeout bounds fetching, delivering and acknowledging one page.
	PageTimeout time.Duration
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option        { return func(s *Service) { s.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type Service struct {
	api     API
	router  Deliverer
	store   Store
	log     logx.Logger
	cfg     Config
	seen    *lru.Cache
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.Mutex
	regs map[string]*registration
}

type registration struct {
	// run serializes pull, replay and ack for one reference.
	run sync.Mutex

	mu     sync.Mutex
	status Status
}

func New(api API, router Deliverer, store Store, cfg Config, log logx.Logger, opts ...Option) (*Service, error) {
	if api == nil || router == nil || store == nil {
		return nil, errors.New("pull: api, router and store are required")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = DefaultDedupSize
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	seen, err := lru.New(cfg.DedupSize)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		api:    api,
		router: router,
		store:  store,
		log:    log.Component("pull"),
		cfg:    cfg,
		seen:   seen,
		now:    time.Now,
		regs:   map[string]*registration{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ValidateBatch rejects batch sizes outside [MinBatch, MaxBatch].
func ValidateBatch(n int) error {
	if n < MinBatch || n > MaxBatch {
		return fmt.Errorf("%w: %d not in [%d, %d]", domain.ErrInvalidBatchSize, n, MinBatch, MaxBatch)
	}
	return nil
}

// Pull drains the queue of ref, at most MaxPages pages of maxBatch records.
func (s *Service) Pull(ctx context.Context, ref string, maxBatch int) (Result, error) {
	if err := ValidateBatch(maxBatch); err != nil {
		return Result{}, err
	}
	if err := domain.ValidateReference(ref); err != nil {
		return Result{}, err
	}
	reg := s.registration(ref)
	reg.run.Lock()
	defer reg.run.Unlock()

	start := s.now()
	res := Result{Registration: ref}
	s.transition(ref, StatePulling, nil)

	cur, _, err := s.store.GetCursor(ctx, ref)
	if err != nil {
		return res, s.fail(ref, fmt.Errorf("load cursor: %w", err))
	}
	cur.Registration = ref

	more := false
	for res.Pages < s.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			res.More = more
			return res, s.fail(ref, err)
		}
		if more, err = s.pullPage(ctx, &cur, maxBatch, &res); err != nil {
			return res, s.fail(ref, err)
		}
		if !more {
			break
		}
	}
	res.More = more
	if more {
		s.log.Warn("page limit reached, queue may not be drained",
			logx.Registration(ref), logx.Int("pages", res.Pages))
	}
	res.Elapsed = s.now().Sub(start)
	s.done(ref, StateDrained, res)
	return res, nil
}

// Replay re-delivers notifications from the replay endpoint starting at
// since. Replayed pages are never acknowledged.
func (s *Service) Replay(ctx context.Context, ref string, since time.Time, maxBatch int) (Result, error) {
	if err := ValidateBatch(maxBatch); err != nil {
		return Result{}, err
	}
	if err := domain.ValidateReference(ref); err != nil {
		return Result{}, err
	}
	if oldest := s.now().Add(-s.cfg.ReplayWindow); since.Before(oldest) {
		return Result{}, fmt.Errorf("%w: %s is before %s", domain.ErrReplayWindowExceeded,
			since.UTC().Format(time.RFC3339), oldest.UTC().Format(time.RFC3339))
	}
	reg := s.registration(ref)
	reg.run.Lock()
	defer reg.run.Unlock()

	start := s.now()
	res := Result{Registration: ref, Replay: true}
	s.transition(ref, StateReplaying, nil)

	more := false
	for res.Pages < s.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			res.More = more
			return res, s.fail(ref, err)
		}
		newest, full, err := s.replayPage(ctx, ref, since, maxBatch, &res)
		if err != nil {
			return res, s.fail(ref, err)
		}
		more = full && newest.After(since)
		if !more {
			break
		}
		since = newest
	}
	res.More = more
	res.Elapsed = s.now().Sub(start)
	s.done(ref, StateDrained, res)
	return res, nil
}

// detach shields one page from caller cancellation. A page the upstream has
// handed out is delivered and acknowledged in full; the caller's ctx is
// only checked between pages.
func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PageTimeout)
}

// pullPage fetches, delivers and acknowledges one page. full reports a page
// of maxBatch records, meaning more may be queued.
func (s *Service) pullPage(ctx context.Context, cur *domain.Cursor, maxBatch int, res *Result) (full bool, err error) {
	ctx, cancel := s.detach(ctx)
	defer cancel()

	ref := cur.Registration
	page, err := s.api.Notifications(ctx, ref, maxBatch)
	if err != nil {
		return false, err
	}
	if len(page.Records) == 0 {
		return false, nil
	}
	res.Pages++
	batch, newest := s.decode(ref, page, res)
	s.deliver(ctx, ref, batch, res)

	if page.TransactionID != "" {
		if err := s.acknowledge(ctx, cur, page.TransactionID, len(page.Records), newest); err != nil {
			return false, err
		}
		res.Acknowledged++
	}
	return len(page.Records) == maxBatch, nil
}

func (s *Service) replayPage(ctx context.Context, ref string, since time.Time, maxBatch int, res *Result) (newest time.Time, full bool, err error) {
	ctx, cancel := s.detach(ctx)
	defer cancel()

	page, err := s.api.Replay(ctx, ref, since, maxBatch)
	if err != nil || len(page.Records) == 0 {
		return since, false, err
	}
	res.Pages++
	batch, newest := s.decode(ref, page, res)
	s.deliver(ctx, ref, batch, res)
	return newest, len(page.Records) == maxBatch, nil
}

// Acknowledge confirms transactionID for ref. A transaction already
// recorded in the cursor is not sent again.
func (s *Service) Acknowledge(ctx context.Context, ref, transactionID string) error {
	if err := domain.ValidateReference(ref); err != nil {
		return err
	}
	if transactionID == "" {
		return errors.New("pull: empty transaction id")
	}
	reg := s.registration(ref)
	reg.run.Lock()
	defer reg.run.Unlock()

	cur, _, err := s.store.GetCursor(ctx, ref)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	cur.Registration = ref
	return s.acknowledge(ctx, &cur, transactionID, 0, time.Time{})
}

func (s *Service) acknowledge(ctx context.Context, cur *domain.Cursor, txID string, records int, newest time.Time) error {
	if cur.LastTransactionID == txID {
		s.log.Debug("transaction already acknowledged",
			logx.Registration(cur.Registration), logx.String("transaction_id", txID))
		return nil
	}
	if err := s.api.Acknowledge(ctx, cur.Registration, txID); err != nil {
		return fmt.Errorf("acknowledge %s: %w", txID, err)
	}
	s.metrics.Ack(cur.Registration)

	now := s.now().UTC()
	next := *cur
	next.LastTransactionID = txID
	next.LastAckAt = now
	next.Acknowledged += int64(records)
	next.UpdatedAt = now
	if newest.After(next.LastNotificationAt) {
		next.LastNotificationAt = newest.UTC()
	}
	if err := s.store.PutCursor(ctx, next); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	*cur = next
	return nil
}

// decode normalizes a page, skipping malformed records and ids already
// seen. newest is the latest delivery timestamp on the page, duplicates
// included.
func (s *Service) decode(ref string, page dnb.Page, res *Result) (batch []domain.Notification, newest time.Time) {
	batch = make([]domain.Notification, 0, len(page.Records))
	for i, raw := range page.Records {
		n, err := normalize.Record(ref, page.TransactionID, raw)
		if err != nil {
			res.Skipped++
			s.metrics.AddSkipped(ref, "malformed", 1)
			s.log.Warn("skipping malformed record",
				logx.Registration(ref),
				logx.String("transaction_id", page.TransactionID),
				logx.Int("index", i),
				logx.String("kind", domain.ErrorKind(err)),
				logx.Err(err))
			continue
		}
		if n.DeliveredAt.After(newest) {
			newest = n.DeliveredAt
		}
		if dup, _ := s.seen.ContainsOrAdd(ref+"/"+n.ID, struct{}{}); dup {
			res.Duplicates++
			s.metrics.AddSkipped(ref, "duplicate", 1)
			s.log.Debug("dropping duplicate notification",
				logx.Registration(ref), logx.Notification(n.ID))
			continue
		}
		batch = append(batch, n)
	}
	return batch, newest
}

func (s *Service) deliver(ctx context.Context, ref string, batch []domain.Notification, res *Result) {
	if len(batch) == 0 {
		return
	}
	out, rep := s.router.Deliver(ctx, batch)
	res.Notifications = append(res.Notifications, out...)
	res.Reports = append(res.Reports, rep)
	s.metrics.AddPulled(ref, len(out))

	for _, e := range rep.Errors() {
		res.SinkFailures++
		s.log.Error("sink delivery failed",
			logx.Registration(ref),
			logx.Sink(e.Sink),
			logx.Notification(e.NotificationID),
			logx.String("kind", domain.ErrorKind(e)),
			logx.Err(e.Err))
		f := domain.SinkFailure{
			At:             s.now().UTC(),
			Registration:   ref,
			Sink:           e.Sink,
			NotificationID: e.NotificationID,
			Error:          e.Err.Error(),
		}
		if err := s.store.AppendSinkFailure(ctx, f); err != nil {
			s.log.Warn("record sink failure", logx.Registration(ref), logx.Err(err))
		}
	}
}

func (s *Service) registration(ref string) *registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[ref]
	if !ok {
		r = &registration{status: Status{Registration: ref, State: StateIdle}}
		s.regs[ref] = r
	}
	return r
}
