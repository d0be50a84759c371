package hubspotsink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

type call struct {
	Method string
	Path   string
	Body   map[string]any
}

type fakeCRM struct {
	mu        sync.Mutex
	calls     []call
	companies map[string]string
}

func newFakeCRM(t *testing.T) (*fakeCRM, *httptest.Server) {
	t.Helper()
	f := &fakeCRM{companies: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCRM) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Method: r.Method, Path: r.URL.Path, Body: body})
	if r.Header.Get("Authorization") != "Bearer hs-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/crm/v3/objects/companies/search":
		filter := body["filterGroups"].([]any)[0].(map[string]any)["filters"].([]any)[0].(map[string]any)
		var results []map[string]string
		if id, ok := f.companies[filter["value"].(string)]; ok {
			results = append(results, map[string]string{"id": id})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	case r.Method == http.MethodPost && r.URL.Path == "/crm/v3/objects/companies":
		props := body["properties"].(map[string]any)
		id := "c-" + props["duns_number"].(string)
		f.companies[props["duns_number"].(string)] = id
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id})
	case r.Method == http.MethodPost:
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"e-1"}`))
	case r.Method == http.MethodPatch:
		_, _ = w.Write([]byte(`{"id":"x"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCRM) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func newSink(t *testing.T, srv *httptest.Server, createMissing bool) *Sink {
	t.Helper()
	s, err := New(Config{BaseURL: srv.URL, Token: "hs-token", CreateMissing: createMissing, RatePerSec: 1000}, srv.Client(), logx.Nop())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestCriticalNotificationCreatesCompanyTaskNoteAndProperties(t *testing.T) {
	crm, srv := newFakeCRM(t)
	s := newSink(t, srv, true)

	n := domain.Notification{
		ID: "n1", Registration: "REF1", Type: domain.TypeDelete, DUNS: "123456789",
		Priority:    domain.PriorityCritical,
		DeliveredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Elements: []domain.ElementChange{{
			Element: "organization.primaryName", Previous: json.RawMessage(`"Old Co"`), Current: json.RawMessage(`"New Co"`),
		}},
	}
	require.NoError(t, s.Handle(context.Background(), n))

	calls := crm.snapshot()
	require.Len(t, calls, 5)
	assert.Equal(t, "/crm/v3/objects/companies/search", calls[0].Path)
	assert.Equal(t, "/crm/v3/objects/companies", calls[1].Path)
	assert.Equal(t, "New Co", calls[1].Body["properties"].(map[string]any)["name"])

	assert.Equal(t, "/crm/v3/objects/tasks", calls[2].Path)
	task := calls[2].Body["properties"].(map[string]any)
	assert.Equal(t, "HIGH", task["hs_task_priority"])
	assoc := calls[2].Body["associations"].([]any)[0].(map[string]any)
	assert.Equal(t, "c-123456789", assoc["to"].(map[string]any)["id"])
	assert.EqualValues(t, 2, assoc["types"].([]any)[0].(map[string]any)["associationTypeId"])

	assert.Equal(t, "/crm/v3/objects/notes", calls[3].Path)
	assert.Contains(t, calls[3].Body["properties"].(map[string]any)["hs_note_body"], "Previous: Old Co")

	assert.Equal(t, http.MethodPatch, calls[4].Method)
	assert.Equal(t, "/crm/v3/objects/companies/c-123456789", calls[4].Path)
	props := calls[4].Body["properties"].(map[string]any)
	assert.Equal(t, "true", props["dun_bradstreet_critical_alert"])
	assert.Equal(t, "2025-01-01", props["dun_bradstreet_alert_date"])

	// Second notification for the same subject hits the company cache.
	n.ID, n.Type, n.Priority = "n2", domain.TypeReviewed, domain.PriorityRoutine
	require.NoError(t, s.Handle(context.Background(), n))
	calls = crm.snapshot()
	require.Len(t, calls, 6)
	assert.Equal(t, "/crm/v3/objects/notes", calls[5].Path)
}

func TestMissingCompanyWithoutCreateIsSkipped(t *testing.T) {
	crm, srv := newFakeCRM(t)
	s := newSink(t, srv, false)

	require.NoError(t, s.Handle(context.Background(), domain.Notification{ID: "n1", Type: domain.TypeUpdate, DUNS: "123456789"}))
	calls := crm.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "/crm/v3/objects/companies/search", calls[0].Path)
}

func TestCRMErrorSurfaces(t *testing.T) {
	_, srv := newFakeCRM(t)
	s, err := New(Config{BaseURL: srv.URL, Token: "wrong"}, srv.Client(), logx.Nop())
	require.NoError(t, err)

	err = s.Handle(context.Background(), domain.Notification{ID: "n1", Type: domain.TypeUpdate, DUNS: "123456789"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
}

func TestParseActions(t *testing.T) {
	t.Parallel()
	m, err := ParseActions(map[string][]string{"update": {"task"}, "seed": {}})
	require.NoError(t, err)
	assert.Equal(t, ActionTask, m[domain.TypeUpdate])
	assert.Equal(t, Action(0), m[domain.TypeSeed])
	assert.Equal(t, ActionTask|ActionNote|ActionUpdateProperty, m[domain.TypeDelete])

	_, err = ParseActions(map[string][]string{"BOGUS": {"task"}})
	assert.Error(t, err)
	_, err = ParseActions(map[string][]string{"UPDATE": {"create_deal"}})
	assert.Error(t, err)
}
