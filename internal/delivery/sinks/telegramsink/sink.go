// Package telegramsink alerts an operator chat about critical notifications.
// Routine notifications are ignored.
package telegramsink

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// PerMinute caps alerts sent to the chat; default 20.
	PerMinute int
}

// Sender is the subset of *tele.Bot the sink needs.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Sink struct {
	cfg     Config
	sender  Sender
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram sink: token is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return NewWithSender(cfg, b, log)
}

func NewWithSender(cfg Config, sender Sender, log logx.Logger) (*Sink, error) {
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram sink: chat_id is required")
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		cfg:     cfg,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute),
		log:     log,
	}, nil
}

func (s *Sink) Name() string { return "telegram" }

func (s *Sink) Handle(ctx context.Context, n domain.Notification) error {
	if !n.Critical() {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := s.sender.Send(&tele.Chat{ID: s.cfg.ChatID}, Format(n), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Format renders the HTML alert text.
func Format(n domain.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>D&amp;B %s</b> on DUNS <code>%s</code>\n", html.EscapeString(string(n.Type)), html.EscapeString(n.DUNS))
	fmt.Fprintf(&b, "registration: %s\n", html.EscapeString(n.Registration))
	fmt.Fprintf(&b, "delivered: %s", n.DeliveredAt.UTC().Format(time.RFC3339))
	for i, e := range n.Elements {
		if i == 5 {
			fmt.Fprintf(&b, "\n… %d more", len(n.Elements)-i)
			break
		}
		fmt.Fprintf(&b, "\n• %s: %s → %s",
			html.EscapeString(e.Element),
			html.EscapeString(orDash(e.PreviousText())),
			html.EscapeString(orDash(e.CurrentText())))
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
