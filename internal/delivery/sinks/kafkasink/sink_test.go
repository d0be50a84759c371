package kafkasink

import (
	"context"
	"errors"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		p.records = append(p.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return out
}

func (p *fakeProducer) Close() { p.closed = true }

func TestRecordsKeyedByDUNSWithHeaders(t *testing.T) {
	t.Parallel()
	p := &fakeProducer{}
	s := NewWithProducer("dnb.notifications", p, logx.Nop())

	batch := []domain.Notification{
		{ID: "n1", Registration: "REF1", Type: domain.TypeUpdate, DUNS: "123456789"},
		{ID: "n2", Registration: "REF1", Type: domain.TypeExit, Priority: domain.PriorityCritical, DUNS: "987654321"},
	}
	require.NoError(t, s.HandleBatch(context.Background(), batch))
	require.Len(t, p.records, 2)

	r := p.records[1]
	assert.Equal(t, "dnb.notifications", r.Topic)
	assert.Equal(t, "987654321", string(r.Key))
	headers := map[string]string{}
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "EXIT", headers["type"])
	assert.Equal(t, "critical", headers["priority"])
	assert.Equal(t, "n2", headers["notification_id"])

	var got domain.Notification
	require.NoError(t, json.Unmarshal(r.Value, &got))
	assert.Equal(t, "n2", got.ID)
	assert.True(t, got.Critical())

	require.NoError(t, s.Close())
	assert.True(t, p.closed)
}

func TestProduceErrorFailsBatch(t *testing.T) {
	t.Parallel()
	s := NewWithProducer("t", &fakeProducer{err: errors.New("broker down")}, logx.Nop())
	err := s.Handle(context.Background(), domain.Notification{ID: "n1", DUNS: "123456789"})
	assert.ErrorContains(t, err, "broker down")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Topic: "t"}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Brokers: []string{"localhost:9092"}}, logx.Nop())
	assert.Error(t, err)
}
