package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

// Token is a bearer credential with its expiry.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token is still usable for at least buffer.
func (t Token) Valid(now time.Time, buffer time.Duration) bool {
	return t.AccessToken != "" && now.Add(buffer).Before(t.ExpiresAt)
}

type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	RefreshBuffer time.Duration
	Timeout       time.Duration
}

// Manager caches a client-credentials token and reissues it once its
// remaining validity drops below RefreshBuffer.
type Manager struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
	now  func() time.Time

	mu    sync.Mutex
	token Token
}

func NewManager(cfg Config, hc *http.Client, log logx.Logger) *Manager {
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if hc == nil {
		hc = http.DefaultClient
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{cfg: cfg, http: hc, log: log, now: time.Now}
}

// Token returns the cached token, refreshing it first when needed.
// Concurrent callers share a single refresh.
func (m *Manager) Token(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token.Valid(m.now(), m.cfg.RefreshBuffer) {
		return m.token, nil
	}
	tok, err := m.fetch(ctx)
	if err != nil {
		return Token{}, err
	}
	m.token = tok
	m.log.Debug("token refreshed", logx.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = Token{}
	m.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expiresIn"`
}

func (m *Manager) fetch(ctx context.Context) (Token, error) {
	if m.cfg.ClientID == "" || m.cfg.ClientSecret == "" {
		return Token{}, &domain.AuthError{Err: errors.New("client id and secret are required")}
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"grant_type": "client_credentials"})
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, m.cfg.BaseURL+"/v2/token", bytes.NewReader(body))
	if err != nil {
		return Token{}, &domain.AuthError{Err: err}
	}
	req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return Token{}, &domain.AuthError{Err: fmt.Errorf("token request: %w", err)}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return Token{}, &domain.AuthError{Status: resp.StatusCode, Err: fmt.Errorf("token endpoint: %s", strings.TrimSpace(string(raw)))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Token{}, &domain.AuthError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return Token{}, &domain.AuthError{Err: errors.New("token response without access_token")}
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = 86400
	}
	return Token{
		AccessToken: tr.AccessToken,
		ExpiresAt:   m.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
