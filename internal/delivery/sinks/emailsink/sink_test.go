package emailsink

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

type fakeSender struct {
	msgs []Message
	fail map[int]error
}

func (f *fakeSender) Send(_ context.Context, m Message) error {
	if err := f.fail[len(f.msgs)]; err != nil {
		f.fail[len(f.msgs)] = nil
		return err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func note(id string, typ domain.NotificationType, critical bool) domain.Notification {
	n := domain.Notification{
		ID: id, Registration: "REF<1>", Type: typ, DUNS: "123456789",
		DeliveredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Elements: []domain.ElementChange{{
			Element: "organization.primaryName", Previous: json.RawMessage(`"Old & Co"`), Current: json.RawMessage(`null`),
		}},
	}
	if critical {
		n.Priority = domain.PriorityCritical
	}
	return n
}

func TestSummarySplitsCriticalFromRoutine(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s, err := NewWithSender(Config{}, f, logx.Nop())
	require.NoError(t, err)

	batch := []domain.Notification{
		note("n1", domain.TypeUpdate, false),
		note("n2", domain.TypeDelete, true),
		note("n3", domain.TypeUpdate, false),
		note("n4", domain.TypeTransfer, true),
	}
	require.NoError(t, s.HandleBatch(context.Background(), batch))
	require.Len(t, f.msgs, 2)

	crit := f.msgs[0]
	assert.True(t, crit.Critical)
	assert.Equal(t, 2, crit.Count)
	assert.Equal(t, "[dnbwatch] CRITICAL: 2 notification(s) - DELETE, TRANSFER", crit.Subject)
	assert.Contains(t, crit.Text, "immediate attention required")
	assert.Contains(t, crit.Text, "organization.primaryName: Old & Co -> -")
	assert.Contains(t, crit.HTML, "REF&lt;1&gt;")
	assert.Contains(t, crit.HTML, "Old &amp; Co")

	routine := f.msgs[1]
	assert.False(t, routine.Critical)
	assert.Equal(t, "[dnbwatch] 2 D&B notification(s)", routine.Subject)
	assert.Contains(t, routine.Text, "UPDATE: 2")
	assert.NotContains(t, routine.Text, "immediate attention")
}

func TestCriticalOnlyDropsRoutine(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s, err := NewWithSender(Config{CriticalOnly: true, SubjectPrefix: "[ops]"}, f, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Handle(ctx, note("n1", domain.TypeUpdate, false)))
	assert.Empty(t, f.msgs)

	require.NoError(t, s.Handle(ctx, note("n2", domain.TypeExit, true)))
	require.Len(t, f.msgs, 1)
	assert.Equal(t, "[ops] CRITICAL: 1 notification(s) - EXIT", f.msgs[0].Subject)
}

func TestIndividualModeSendsOnePerNotification(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s, err := NewWithSender(Config{Mode: ModeIndividual}, f, logx.Nop())
	require.NoError(t, err)

	batch := []domain.Notification{note("n1", domain.TypeUpdate, false), note("n2", domain.TypeDelete, true)}
	require.NoError(t, s.HandleBatch(context.Background(), batch))
	require.Len(t, f.msgs, 2)
	assert.Equal(t, "[dnbwatch] CRITICAL: DELETE on DUNS 123456789", f.msgs[0].Subject)
	assert.Equal(t, "[dnbwatch] UPDATE on DUNS 123456789", f.msgs[1].Subject)
}

func TestSummaryChunksByMaxPerEmail(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s, err := NewWithSender(Config{MaxPerEmail: 2}, f, logx.Nop())
	require.NoError(t, err)

	var batch []domain.Notification
	for i := range 5 {
		batch = append(batch, note(fmt.Sprintf("n%d", i), domain.TypeUpdate, false))
	}
	require.NoError(t, s.HandleBatch(context.Background(), batch))
	require.Len(t, f.msgs, 3)
	assert.Equal(t, []int{2, 2, 1}, []int{f.msgs[0].Count, f.msgs[1].Count, f.msgs[2].Count})
}

func TestSendFailureKeepsSendingAndReportsIt(t *testing.T) {
	t.Parallel()
	boom := errors.New("421 try later")
	f := &fakeSender{fail: map[int]error{0: boom}}
	s, err := NewWithSender(Config{Mode: ModeIndividual}, f, logx.Nop())
	require.NoError(t, err)

	batch := []domain.Notification{note("n1", domain.TypeDelete, true), note("n2", domain.TypeUpdate, false)}
	err = s.HandleBatch(context.Background(), batch)
	require.ErrorIs(t, err, boom)
	require.Len(t, f.msgs, 1)
	assert.Equal(t, "[dnbwatch] UPDATE on DUNS 123456789", f.msgs[0].Subject)
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	_, err := NewWithSender(Config{Mode: "digest"}, &fakeSender{}, logx.Nop())
	assert.ErrorContains(t, err, "unsupported mode")

	_, err = NewWithSender(Config{}, nil, logx.Nop())
	assert.Error(t, err)

	_, err = New(Config{Host: "smtp.example.com"}, logx.Nop())
	assert.ErrorContains(t, err, "recipient")

	s, err := New(Config{Host: "smtp.example.com", Port: 2525, From: "dnbwatch@example.com", To: []string{"ops@example.com"}, Username: "u", Password: "p"}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "email", s.Name())
}
