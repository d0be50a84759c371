// Package emailsink mails notifications to operators over SMTP, either as
// one summary per batch or one message per notification.
package emailsink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mail "github.com/wneessen/go-mail"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

const (
	ModeSummary    = "summary"
	ModeIndividual = "individual"

	TLSStart = "starttls"
	TLSSSL   = "ssl"
	TLSNone  = "none"

	defaultMaxPerEmail = 100
	defaultPrefix      = "[dnbwatch]"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	To       []string
	Cc       []string
	Bcc      []string
	TLS      string
	Timeout  time.Duration

	Mode          string
	CriticalOnly  bool
	MaxPerEmail   int
	SubjectPrefix string
}

// Message is one rendered mail.
type Message struct {
	Subject  string
	Text     string
	HTML     string
	Critical bool
	Count    int
}

// Sender delivers a rendered message to the configured recipients.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

type Sink struct {
	cfg    Config
	sender Sender
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	sender, err := newSMTPSender(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithSender(cfg, sender, log)
}

func NewWithSender(cfg Config, sender Sender, log logx.Logger) (*Sink, error) {
	if sender == nil {
		return nil, errors.New("email sink: sender is required")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeSummary
	case ModeSummary, ModeIndividual:
	default:
		return nil, fmt.Errorf("email sink: unsupported mode %q", cfg.Mode)
	}
	if cfg.MaxPerEmail <= 0 {
		cfg.MaxPerEmail = defaultMaxPerEmail
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{cfg: cfg, sender: sender, log: log}, nil
}

func (s *Sink) Name() string { return "email" }

func (s *Sink) Handle(ctx context.Context, n domain.Notification) error {
	return s.HandleBatch(ctx, []domain.Notification{n})
}

// HandleBatch renders and sends the batch. Critical notifications always go
// out in their own message, ahead of the routine ones.
func (s *Sink) HandleBatch(ctx context.Context, batch []domain.Notification) error {
	var critical, routine []domain.Notification
	for _, n := range batch {
		if n.Critical() {
			critical = append(critical, n)
		} else if !s.cfg.CriticalOnly {
			routine = append(routine, n)
		}
	}
	msgs, err := s.Render(critical, routine)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range msgs {
		if err := s.sender.Send(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("send %q: %w", m.Subject, err))
			continue
		}
		s.log.Debug("email sent", logx.String("subject", m.Subject), logx.Int("notifications", m.Count))
	}
	return errors.Join(errs...)
}

// Render builds the messages for one batch without sending them.
func (s *Sink) Render(critical, routine []domain.Notification) ([]Message, error) {
	var out []Message
	add := func(group []domain.Notification, isCritical bool) error {
		if s.cfg.Mode == ModeIndividual {
			for _, n := range group {
				m, err := s.render([]domain.Notification{n}, isCritical, true)
				if err != nil {
					return err
				}
				out = append(out, m)
			}
			return nil
		}
		for start := 0; start < len(group); start += s.cfg.MaxPerEmail {
			end := min(start+s.cfg.MaxPerEmail, len(group))
			m, err := s.render(group[start:end], isCritical, false)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	}
	if err := add(critical, true); err != nil {
		return nil, err
	}
	if err := add(routine, false); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sink) subject(group []domain.Notification, critical, individual bool) string {
	p := s.cfg.SubjectPrefix
	switch {
	case individual:
		n := group[0]
		if critical {
			return fmt.Sprintf("%s CRITICAL: %s on DUNS %s", p, n.Type, n.DUNS)
		}
		return fmt.Sprintf("%s %s on DUNS %s", p, n.Type, n.DUNS)
	case critical:
		return fmt.Sprintf("%s CRITICAL: %d notification(s) - %s", p, len(group), strings.Join(typeNames(group), ", "))
	default:
		return fmt.Sprintf("%s %d D&B notification(s)", p, len(group))
	}
}

// smtpSender holds one go-mail client; sends are serialized on it.
type smtpSender struct {
	cfg    Config
	mu     sync.Mutex
	client *mail.Client
}

func newSMTPSender(cfg Config) (*smtpSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email sink: host is required")
	}
	if strings.TrimSpace(cfg.From) == "" || len(cfg.To) == 0 {
		return nil, errors.New("email sink: from and at least one recipient are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	port := cfg.Port
	opts := []mail.Option{mail.WithTimeout(timeout)}
	switch cfg.TLS {
	case TLSSSL:
		opts = append(opts, mail.WithSSL())
		if port == 0 {
			port = 465
		}
	case TLSNone:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
		if port == 0 {
			port = 25
		}
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
		if port == 0 {
			port = 587
		}
	}
	opts = append(opts, mail.WithPort(port))
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}
	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("email sink: %w", err)
	}
	return &smtpSender{cfg: cfg, client: c}, nil
}

func (s *smtpSender) Send(ctx context.Context, m Message) error {
	msg := mail.NewMsg()
	if err := msg.FromFormat(s.cfg.FromName, s.cfg.From); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if err := msg.To(s.cfg.To...); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	if len(s.cfg.Cc) > 0 {
		if err := msg.Cc(s.cfg.Cc...); err != nil {
			return fmt.Errorf("cc: %w", err)
		}
	}
	if len(s.cfg.Bcc) > 0 {
		if err := msg.Bcc(s.cfg.Bcc...); err != nil {
			return fmt.Errorf("bcc: %w", err)
		}
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextPlain, m.Text)
	msg.AddAlternativeString(mail.TypeTextHTML, m.HTML)
	if m.Critical {
		msg.SetImportance(mail.ImportanceHigh)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.DialAndSendWithContext(ctx, msg)
}
