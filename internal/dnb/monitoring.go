package dnb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"dnbwatch/internal/domain"
)

// Page is one pull or replay response.
type Page struct {
	TransactionID        string
	TransactionTimestamp time.Time
	Reference            string
	Records              []json.RawMessage
}

type notificationsResponse struct {
	TransactionDetail struct {
		TransactionID        string `json:"transactionID"`
		TransactionTimestamp string `json:"transactionTimestamp"`
	} `json:"transactionDetail"`
	InquiryDetail struct {
		Reference string `json:"reference"`
	} `json:"inquiryDetail"`
	Notifications []json.RawMessage `json:"notifications"`
}

func (r notificationsResponse) page(ref string) Page {
	p := Page{
		TransactionID: r.TransactionDetail.TransactionID,
		Reference:     r.InquiryDetail.Reference,
		Records:       r.Notifications,
	}
	if p.Reference == "" {
		p.Reference = ref
	}
	if ts, err := time.Parse(time.RFC3339Nano, r.TransactionDetail.TransactionTimestamp); err == nil {
		p.TransactionTimestamp = ts
	}
	return p
}

// Notifications pulls up to max pending notifications. An empty queue
// (upstream 404) is an empty page.
func (c *Client) Notifications(ctx context.Context, ref string, max int) (Page, error) {
	var out notificationsResponse
	err := c.call(ctx, request{
		op:     "pull",
		method: http.MethodGet,
		path:   registrationPath(ref, "notifications"),
		query:  url.Values{"maxNotifications": {strconv.Itoa(max)}},
	}, &out)
	if errors.Is(err, domain.ErrNotFound) {
		return Page{Reference: ref}, nil
	}
	if err != nil {
		return Page{}, err
	}
	return out.page(ref), nil
}

// Replay re-reads notifications delivered since the given time.
func (c *Client) Replay(ctx context.Context, ref string, since time.Time, max int) (Page, error) {
	var out notificationsResponse
	err := c.call(ctx, request{
		op:     "replay",
		method: http.MethodGet,
		path:   registrationPath(ref, "notifications", "replay"),
		query: url.Values{
			"replayStartTimestamp": {since.UTC().Format(time.RFC3339)},
			"maxNotifications":     {strconv.Itoa(max)},
		},
	}, &out)
	if errors.Is(err, domain.ErrNotFound) {
		return Page{Reference: ref}, nil
	}
	if err != nil {
		return Page{}, err
	}
	return out.page(ref), nil
}

// Acknowledge confirms a pulled page. Already-acknowledged or unknown
// transactions (404/409) are treated as done.
func (c *Client) Acknowledge(ctx context.Context, ref, transactionID string) error {
	body, _ := json.Marshal(map[string]string{"transactionID": transactionID})
	err := c.call(ctx, request{
		op:          "ack",
		method:      http.MethodPost,
		path:        registrationPath(ref, "notifications", "acknowledge"),
		body:        body,
		contentType: "application/json",
	}, nil)
	var se *StatusError
	if errors.As(err, &se) && (se.Status == http.StatusNotFound || se.Status == http.StatusConflict) {
		return nil
	}
	return err
}

// CreateRegistration submits a new registration.
func (c *Client) CreateRegistration(ctx context.Context, reg domain.Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return c.call(ctx, request{
		op:          "registration.create",
		method:      http.MethodPost,
		path:        "/v1/monitoring/registrations",
		body:        body,
		contentType: "application/json",
	}, nil)
}

type registrationResponse struct {
	Registration domain.Registration `json:"registration"`
}

func (c *Client) Registration(ctx context.Context, ref string) (domain.Registration, error) {
	var out registrationResponse
	if err := c.call(ctx, request{op: "registration.get", method: http.MethodGet, path: registrationPath(ref)}, &out); err != nil {
		return domain.Registration{}, err
	}
	if out.Registration.Reference == "" {
		out.Registration.Reference = ref
	}
	return out.Registration, nil
}

// Activate lifts suppression so notifications start flowing.
func (c *Client) Activate(ctx context.Context, ref string) error {
	return c.call(ctx, request{op: "registration.activate", method: http.MethodDelete, path: registrationPath(ref, "suppress")}, nil)
}

func (c *Client) Suppress(ctx context.Context, ref string) error {
	return c.call(ctx, request{op: "registration.suppress", method: http.MethodPost, path: registrationPath(ref, "suppress")}, nil)
}

func (c *Client) AddSubject(ctx context.Context, ref, duns string) error {
	return c.call(ctx, request{
		op:     "subject.add",
		method: http.MethodPost,
		path:   registrationPath(ref, "subjects", url.PathEscape(duns)),
		query:  url.Values{"subject": {"duns"}},
	}, nil)
}

func (c *Client) RemoveSubject(ctx context.Context, ref, duns string) error {
	return c.call(ctx, request{
		op:     "subject.remove",
		method: http.MethodDelete,
		path:   registrationPath(ref, "subjects", url.PathEscape(duns)),
	}, nil)
}

// AddSubjects submits the whole list as one CSV body.
func (c *Client) AddSubjects(ctx context.Context, ref string, duns []string) error {
	return c.call(ctx, request{
		op:          "subject.batch_add",
		method:      http.MethodPatch,
		path:        registrationPath(ref, "subjects"),
		body:        csvBody(duns),
		contentType: "text/csv",
	}, nil)
}

func (c *Client) RemoveSubjects(ctx context.Context, ref string, duns []string) error {
	return c.call(ctx, request{
		op:          "subject.batch_remove",
		method:      http.MethodDelete,
		path:        registrationPath(ref, "subjects"),
		body:        csvBody(duns),
		contentType: "text/csv",
	}, nil)
}

type exportResponse struct {
	Subjects []string `json:"subjects"`
}

func (c *Client) ExportSubjects(ctx context.Context, ref string) ([]string, error) {
	var out exportResponse
	err := c.call(ctx, request{
		op:     "subject.export",
		method: http.MethodGet,
		path:   "/v1/monitoring/registrations/export/" + url.PathEscape(ref) + "/subjects",
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Subjects, nil
}

// SubjectStatus returns the raw monitoring status document of one subject.
func (c *Client) SubjectStatus(ctx context.Context, ref, duns string) (map[string]any, error) {
	out := map[string]any{}
	err := c.call(ctx, request{
		op:     "subject.status",
		method: http.MethodGet,
		path:   registrationPath(ref, "duns", url.PathEscape(duns)),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("subject %s: %w", duns, err)
	}
	return out, nil
}

func csvBody(duns []string) []byte {
	return []byte(strings.Join(duns, "\n") + "\n")
}
