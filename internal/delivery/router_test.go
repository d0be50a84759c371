package delivery

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

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []domain.Notification
	fail map[string]bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Handle(_ context.Context, n domain.Notification) error {
	if s.fail[n.ID] {
		return errors.New("rejected")
	}
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) received() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Notification(nil), s.got...)
}

type funcSink struct {
	name string
	fn   func(ctx context.Context, n domain.Notification) error
}

func (s funcSink) Name() string { return s.name }
func (s funcSink) Handle(ctx context.Context, n domain.Notification) error {
	return s.fn(ctx, n)
}

type batchSink struct {
	recordingSink
	batches int
	err     error
}

func (s *batchSink) HandleBatch(_ context.Context, batch []domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, batch...)
	return nil
}

func batchOf(types ...domain.NotificationType) []domain.Notification {
	out := make([]domain.Notification, len(types))
	for i, t := range types {
		out[i] = domain.Notification{
			ID:           string(rune('a' + i)),
			Registration: "REF1",
			Type:         t,
			DUNS:         "123456789",
			DeliveredAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func TestDeliverTagsAndMarksProcessed(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)
	sink := &recordingSink{name: "rec"}
	r, err := New(logx.Nop(), Options{Now: func() time.Time { return now }}, sink)
	require.NoError(t, err)

	out, rep := r.Deliver(context.Background(), batchOf(domain.TypeUpdate, domain.TypeDelete, domain.TypeTransfer))
	require.Len(t, out, 3)
	assert.Equal(t, domain.PriorityRoutine, out[0].Priority)
	assert.Equal(t, domain.PriorityCritical, out[1].Priority)
	assert.Equal(t, domain.PriorityCritical, out[2].Priority)
	for _, n := range out {
		assert.True(t, n.Processed)
		assert.Equal(t, now, n.ProcessedAt)
	}

	got := sink.received()
	require.Len(t, got, 3)
	assert.Equal(t, domain.PriorityCritical, got[1].Priority)
	assert.False(t, got[1].Processed)
	assert.Zero(t, rep.Failed())
}

func TestDeliverIsolatesFailingSinks(t *testing.T) {
	t.Parallel()
	good := &recordingSink{name: "good"}
	flaky := &recordingSink{name: "flaky", fail: map[string]bool{"b": true}}
	panicky := funcSink{name: "panicky", fn: func(context.Context, domain.Notification) error { panic("boom") }}
	slow := funcSink{name: "slow", fn: func(ctx context.Context, _ domain.Notification) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	broken := &batchSink{recordingSink: recordingSink{name: "batch"}, err: errors.New("disk full")}

	r, err := New(logx.Nop(), Options{SinkTimeout: 50 * time.Millisecond}, good, flaky, panicky, slow, broken)
	require.NoError(t, err)

	out, rep := r.Deliver(context.Background(), batchOf(domain.TypeUpdate, domain.TypeUpdate, domain.TypeSeed))
	require.Len(t, out, 3)
	assert.Len(t, good.received(), 3)
	assert.Len(t, flaky.received(), 2)

	bySink := map[string]SinkReport{}
	for _, s := range rep.Sinks {
		bySink[s.Sink] = s
	}
	assert.Equal(t, 3, bySink["good"].Delivered)
	assert.Equal(t, 1, bySink["flaky"].Failed)
	assert.Equal(t, "b", bySink["flaky"].Errors[0].NotificationID)
	assert.Equal(t, 3, bySink["panicky"].Failed)
	assert.Contains(t, bySink["panicky"].Errors[0].Error(), "panic")
	assert.Equal(t, 3, bySink["slow"].Failed)
	assert.Equal(t, 3, bySink["batch"].Failed)
	assert.Equal(t, 1, broken.batches)

	for _, e := range rep.Errors() {
		assert.ErrorIs(t, e, domain.ErrSinkDelivery)
	}
	assert.Equal(t, 1+3+3+3, rep.Failed())
}

func TestBatchSinkGetsWholeBatch(t *testing.T) {
	t.Parallel()
	bs := &batchSink{recordingSink: recordingSink{name: "file"}}
	r, err := New(logx.Nop(), Options{}, bs)
	require.NoError(t, err)

	_, rep := r.Deliver(context.Background(), batchOf(domain.TypeUpdate, domain.TypeExit))
	assert.Equal(t, 1, bs.batches)
	assert.Len(t, bs.received(), 2)
	assert.Equal(t, 2, rep.Sinks[0].Delivered)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()
	_, err := New(logx.Nop(), Options{CriticalTypes: []domain.NotificationType{"BOGUS"}})
	assert.Error(t, err)

	_, err = New(logx.Nop(), Options{}, &recordingSink{name: "x"}, &recordingSink{name: "x"})
	assert.Error(t, err)

	r, err := New(logx.Nop(), Options{CriticalTypes: []domain.NotificationType{domain.TypeUpdate}}, &recordingSink{name: "x"})
	require.NoError(t, err)
	out := r.Tag(batchOf(domain.TypeUpdate, domain.TypeDelete))
	assert.True(t, out[0].Critical())
	assert.False(t, out[1].Critical())
	assert.Equal(t, []string{"x"}, r.Sinks())
}

func TestDeliverEmptyBatch(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{name: "rec"}
	r, err := New(logx.Nop(), Options{}, sink)
	require.NoError(t, err)
	out, rep := r.Deliver(context.Background(), nil)
	assert.Empty(t, out)
	assert.Empty(t, rep.Sinks)
}
