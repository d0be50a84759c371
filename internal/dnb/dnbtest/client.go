package dnbtest

import (
	"context"
	"time"

	"dnbwatch/internal/auth"
	"dnbwatch/internal/dnb"
	"dnbwatch/internal/gate"
	logx "dnbwatch/pkg/logx"
)

// NewClient returns a client wired to s with a fast gate that never sleeps
// between retries.
func (s *Server) NewClient(log logx.Logger, retryMax int) *dnb.Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	tokens := auth.NewManager(auth.Config{
		BaseURL:      s.URL,
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
	}, s.Client(), log)
	g := gate.New(gate.Config{
		RatePerSec: 1000,
		RetryMax:   retryMax,
		RetryBase:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Timeout:    5 * time.Second,
	}, log, gate.WithSleep(func(context.Context, time.Duration) error { return nil }))
	return dnb.New(s.URL, s.Client(), tokens, g, log)
}
