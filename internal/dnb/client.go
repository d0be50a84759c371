package dnb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"dnbwatch/internal/auth"
	"dnbwatch/internal/domain"
	"dnbwatch/internal/gate"
	logx "dnbwatch/pkg/logx"
)

const DefaultBaseURL = "https://plus.dnb.com"

// TokenSource is the credential provider used for every call.
type TokenSource interface {
	Token(ctx context.Context) (auth.Token, error)
	Invalidate()
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == domain.ErrNotFound && e.Status == http.StatusNotFound
}

// Client talks to the monitoring API. Every call goes through the shared gate.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
	gate   *gate.Gate
	log    logx.Logger
}

func New(baseURL string, hc *http.Client, tokens TokenSource, g *gate.Gate, log logx.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc, tokens: tokens, gate: g, log: log}
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
}

// call runs one logical request through the gate and decodes a JSON reply into out.
func (c *Client) call(ctx context.Context, r request, out any) error {
	return c.gate.Do(ctx, r.op, func(ctx context.Context) error {
		raw, err := c.send(ctx, r)
		if err != nil {
			return err
		}
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", r.op, err)
		}
		return nil
	})
}

// send performs one HTTP exchange. An upstream 401 invalidates the token
// and is retried once with a fresh one before surfacing as an auth error.
func (c *Client) send(ctx context.Context, r request) ([]byte, error) {
	for try := 0; ; try++ {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		u := c.base + r.path
		if len(r.query) > 0 {
			u += "?" + r.query.Encode()
		}
		var body io.Reader
		if r.body != nil {
			body = bytes.NewReader(r.body)
		}
		req, err := http.NewRequestWithContext(ctx, r.method, u, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		req.Header.Set("Accept", "application/json")
		if r.contentType != "" {
			req.Header.Set("Content-Type", r.contentType)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, gate.Transient(fmt.Errorf("%s: %w", r.op, err))
		}
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		resp.Body.Close()
		if readErr != nil {
			return nil, gate.Transient(fmt.Errorf("%s: read body: %w", r.op, readErr))
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return raw, nil
		case resp.StatusCode == http.StatusUnauthorized:
			c.tokens.Invalidate()
			if try == 0 {
				c.log.Debug("upstream rejected token; refreshing", logx.String("op", r.op))
				continue
			}
			return nil, &domain.AuthError{Status: resp.StatusCode, Err: fmt.Errorf("%s: %s", r.op, snippet(raw))}
		case resp.StatusCode == http.StatusForbidden:
			return nil, &domain.AuthError{Status: resp.StatusCode, Err: fmt.Errorf("%s: %s", r.op, snippet(raw))}
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, gate.Throttled(&StatusError{Status: resp.StatusCode, Body: snippet(raw)}, retryAfter(resp.Header.Get("Retry-After")))
		case resp.StatusCode >= 500:
			return nil, gate.Transient(&StatusError{Status: resp.StatusCode, Body: snippet(raw)})
		default:
			return nil, &StatusError{Status: resp.StatusCode, Body: snippet(raw)}
		}
	}
}

func retryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:297] + "..."
	}
	return s
}

func registrationPath(ref string, parts ...string) string {
	p := "/v1/monitoring/registrations/" + url.PathEscape(ref)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}
