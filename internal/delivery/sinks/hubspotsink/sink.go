// Package hubspotsink mirrors notifications into HubSpot CRM: companies are
// matched on a DUNS property, then tasks, notes and property updates are
// created according to a per-type action map.
package hubspotsink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

const DefaultBaseURL = "https://api.hubapi.com"

// associationCompany is HubSpot's defined association type for
// engagement-to-company.
const associationCompany = 2

type Config struct {
	BaseURL           string
	Token             string
	DUNSProperty      string
	DomainProperty    string
	CreateMissing     bool
	DefaultProperties map[string]string
	OwnerID           string
	Actions           ActionMap
	RatePerSec        int
	Timeout           time.Duration
}

type Sink struct {
	cfg       Config
	http      *http.Client
	log       logx.Logger
	limiter   *rate.Limiter
	companies *lru.Cache
	now       func() time.Time
}

func New(cfg Config, hc *http.Client, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("hubspot sink: token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DUNSProperty == "" {
		cfg.DUNSProperty = "duns_number"
	}
	if cfg.DomainProperty == "" {
		cfg.DomainProperty = "domain"
	}
	if cfg.Actions == nil {
		cfg.Actions = DefaultActions()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cache, err := lru.New(4096)
	if err != nil {
		return nil, err
	}
	return &Sink{
		cfg:       cfg,
		http:      hc,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		companies: cache,
		now:       time.Now,
	}, nil
}

func (s *Sink) Name() string { return "hubspot" }

// Handle runs the configured actions for one notification.
func (s *Sink) Handle(ctx context.Context, n domain.Notification) error {
	actions := s.cfg.Actions[n.Type]
	if actions == 0 {
		return nil
	}
	companyID, err := s.company(ctx, n)
	if err != nil {
		return err
	}
	if companyID == "" {
		s.log.Warn("no hubspot company for subject", logx.String("duns", n.DUNS), logx.Notification(n.ID))
		return nil
	}

	if actions.Has(ActionTask) {
		if err := s.createTask(ctx, companyID, n); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
	}
	if actions.Has(ActionNote) {
		if err := s.createNote(ctx, companyID, n); err != nil {
			return fmt.Errorf("create note: %w", err)
		}
	}
	if actions.Has(ActionUpdateProperty) {
		if err := s.updateAlertProperties(ctx, companyID, n); err != nil {
			return fmt.Errorf("update properties: %w", err)
		}
	}
	if actions.Has(ActionUpdateCompany) {
		if props := companyProperties(n, s.cfg.DomainProperty); len(props) > 0 {
			if err := s.patchCompany(ctx, companyID, props); err != nil {
				return fmt.Errorf("update company: %w", err)
			}
		}
	}
	return nil
}

// company resolves the HubSpot company id for n.DUNS, creating the company
// when allowed. Resolved ids are cached.
func (s *Sink) company(ctx context.Context, n domain.Notification) (string, error) {
	if v, ok := s.companies.Get(n.DUNS); ok {
		return v.(string), nil
	}
	id, err := s.searchCompany(ctx, n.DUNS)
	if err != nil {
		return "", fmt.Errorf("search company: %w", err)
	}
	if id == "" && s.cfg.CreateMissing {
		id, err = s.createCompany(ctx, n)
		if err != nil {
			return "", fmt.Errorf("create company: %w", err)
		}
		s.log.Info("hubspot company created", logx.String("duns", n.DUNS), logx.String("company_id", id))
	}
	if id != "" {
		s.companies.Add(n.DUNS, id)
	}
	return id, nil
}

type searchResponse struct {
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
}

func (s *Sink) searchCompany(ctx context.Context, duns string) (string, error) {
	body := map[string]any{
		"filterGroups": []any{map[string]any{
			"filters": []any{map[string]any{
				"propertyName": s.cfg.DUNSProperty,
				"operator":     "EQ",
				"value":        duns,
			}},
		}},
		"limit": 1,
	}
	var out searchResponse
	if err := s.do(ctx, http.MethodPost, "/crm/v3/objects/companies/search", body, &out); err != nil {
		return "", err
	}
	if len(out.Results) == 0 {
		return "", nil
	}
	return out.Results[0].ID, nil
}

type objectResponse struct {
	ID string `json:"id"`
}

func (s *Sink) createCompany(ctx context.Context, n domain.Notification) (string, error) {
	props := map[string]string{
		s.cfg.DUNSProperty: n.DUNS,
		"name":             "Company " + n.DUNS,
		"lifecyclestage":   "lead",
	}
	for k, v := range s.cfg.DefaultProperties {
		props[k] = v
	}
	for k, v := range companyProperties(n, s.cfg.DomainProperty) {
		props[k] = v
	}
	var out objectResponse
	if err := s.do(ctx, http.MethodPost, "/crm/v3/objects/companies", map[string]any{"properties": props}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("empty company id in response")
	}
	return out.ID, nil
}

func (s *Sink) createTask(ctx context.Context, companyID string, n domain.Notification) error {
	priority := "MEDIUM"
	if n.Critical() {
		priority = "HIGH"
	}
	props := map[string]string{
		"hs_task_subject":  fmt.Sprintf("D&B Alert: %s - DUNS %s", n.Type, n.DUNS),
		"hs_task_body":     summary(n, false),
		"hs_task_priority": priority,
		"hs_task_status":   "NOT_STARTED",
		"hs_task_type":     "TODO",
		"hs_timestamp":     s.timestamp(),
	}
	s.owner(props)
	return s.do(ctx, http.MethodPost, "/crm/v3/objects/tasks", engagement(props, companyID), nil)
}

func (s *Sink) createNote(ctx context.Context, companyID string, n domain.Notification) error {
	props := map[string]string{
		"hs_note_body": summary(n, true),
		"hs_timestamp": s.timestamp(),
	}
	s.owner(props)
	return s.do(ctx, http.MethodPost, "/crm/v3/objects/notes", engagement(props, companyID), nil)
}

func (s *Sink) updateAlertProperties(ctx context.Context, companyID string, n domain.Notification) error {
	props := map[string]string{
		"last_dun_bradstreet_notification": string(n.Type),
		"last_dun_bradstreet_update":       s.timestamp(),
	}
	if n.Critical() {
		props["dun_bradstreet_critical_alert"] = "true"
		props["dun_bradstreet_alert_date"] = s.now().UTC().Format("2006-01-02")
	}
	return s.patchCompany(ctx, companyID, props)
}

func (s *Sink) patchCompany(ctx context.Context, companyID string, props map[string]string) error {
	return s.do(ctx, http.MethodPatch, "/crm/v3/objects/companies/"+companyID, map[string]any{"properties": props}, nil)
}

func (s *Sink) owner(props map[string]string) {
	if s.cfg.OwnerID != "" {
		props["hubspot_owner_id"] = s.cfg.OwnerID
	}
}

func (s *Sink) timestamp() string {
	return s.now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func engagement(props map[string]string, companyID string) map[string]any {
	return map[string]any{
		"properties": props,
		"associations": []any{map[string]any{
			"to": map[string]any{"id": companyID},
			"types": []any{map[string]any{
				"associationCategory": "HUBSPOT_DEFINED",
				"associationTypeId":   associationCompany,
			}},
		}},
	}
}

// companyProperties maps well-known element changes to company fields.
func companyProperties(n domain.Notification, domainProperty string) map[string]string {
	props := map[string]string{}
	for _, e := range n.Elements {
		cur := e.CurrentText()
		if cur == "" {
			continue
		}
		switch {
		case strings.Contains(e.Element, "primaryName"):
			props["name"] = cur
		case strings.Contains(e.Element, "website"):
			props[domainProperty] = cur
		case strings.Contains(e.Element, "telephone"):
			props["phone"] = cur
		case strings.Contains(e.Element, "address"):
			props["address"] = cur
		}
	}
	return props
}

func summary(n domain.Notification, detailed bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "D&B Monitoring Alert: %s\n", n.Type)
	fmt.Fprintf(&b, "DUNS: %s\n", n.DUNS)
	fmt.Fprintf(&b, "Timestamp: %s\n", n.DeliveredAt.UTC().Format(time.RFC3339))
	if n.Critical() {
		b.WriteString("CRITICAL ALERT - immediate attention required\n")
	}
	if detailed && len(n.Elements) > 0 {
		b.WriteString("\nChanges detected:\n")
		for i, e := range n.Elements {
			fmt.Fprintf(&b, "%d. %s\n", i+1, e.Element)
			if prev := e.PreviousText(); prev != "" {
				fmt.Fprintf(&b, "   Previous: %s\n", prev)
			}
			if cur := e.CurrentText(); cur != "" {
				fmt.Fprintf(&b, "   Current: %s\n", cur)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// StatusError is a non-2xx CRM response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hubspot status %d: %s", e.Status, e.Body)
}

func (s *Sink) do(ctx context.Context, method, path string, in, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return &StatusError{Status: resp.StatusCode, Body: msg}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
