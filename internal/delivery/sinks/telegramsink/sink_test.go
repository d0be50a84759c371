package telegramsink

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

type sent struct {
	to   tele.Recipient
	text string
	opts []interface{}
}

type fakeSender struct {
	msgs []sent
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, sent{to: to, text: what.(string), opts: opts})
	return &tele.Message{ID: len(f.msgs)}, nil
}

func TestOnlyCriticalNotificationsAlert(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s, err := NewWithSender(Config{ChatID: -100123, ThreadID: 7}, f, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Handle(ctx, domain.Notification{ID: "n1", Type: domain.TypeUpdate, DUNS: "123456789"}))
	assert.Empty(t, f.msgs)

	n := domain.Notification{
		ID: "n2", Registration: "REF<1>", Type: domain.TypeDelete, Priority: domain.PriorityCritical, DUNS: "123456789",
		DeliveredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Elements:    []domain.ElementChange{{Element: "organization.dunsControlStatus", Previous: json.RawMessage(`"Active"`), Current: json.RawMessage(`null`)}},
	}
	require.NoError(t, s.Handle(ctx, n))
	require.Len(t, f.msgs, 1)
	assert.Equal(t, "-100123", f.msgs[0].to.Recipient())
	assert.Contains(t, f.msgs[0].text, "<b>D&amp;B DELETE</b>")
	assert.Contains(t, f.msgs[0].text, "REF&lt;1&gt;")
	assert.Contains(t, f.msgs[0].text, "organization.dunsControlStatus: Active → -")
	opt := f.msgs[0].opts[0].(*tele.SendOptions)
	assert.Equal(t, tele.ModeHTML, opt.ParseMode)
	assert.Equal(t, 7, opt.ThreadID)
}

func TestSendErrorSurfaces(t *testing.T) {
	t.Parallel()
	s, err := NewWithSender(Config{ChatID: 1}, &fakeSender{err: errors.New("forbidden")}, logx.Nop())
	require.NoError(t, err)
	err = s.Handle(context.Background(), domain.Notification{Type: domain.TypeExit, Priority: domain.PriorityCritical})
	assert.ErrorContains(t, err, "forbidden")
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	_, err := NewWithSender(Config{}, &fakeSender{}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{ChatID: 1}, logx.Nop())
	assert.Error(t, err)
}
