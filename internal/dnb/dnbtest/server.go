// Package dnbtest provides an in-memory monitoring API for tests.
package dnbtest

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"dnbwatch/internal/domain"
)

const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
)

// Ack is one acknowledgement received by the server.
type Ack struct {
	Registration  string
	TransactionID string
}

type delivered struct {
	at     time.Time
	record json.RawMessage
}

type page struct {
	txID    string
	records []json.RawMessage
}

// Server fakes the token endpoint and the monitoring endpoints used by the
// client. Pulls drain a per-registration queue; every pulled record is kept
// in the replay history.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	now           func() time.Time
	token         string
	tokenSeq      int
	tokenCalls    int
	txSeq         int
	queues        map[string][]json.RawMessage
	history       map[string][]delivered
	last          map[string]page
	acked         map[string]bool
	acks          []Ack
	pulls         map[string]int
	replays       map[string]int
	failures      []int
	registrations map[string]domain.Registration
	suppressed    map[string]bool
	subjects      map[string]map[string]bool
	requests      []string
}

func New() *Server {
	s := &Server{
		now:           time.Now,
		queues:        map[string][]json.RawMessage{},
		history:       map[string][]delivered{},
		last:          map[string]page{},
		acked:         map[string]bool{},
		pulls:         map[string]int{},
		replays:       map[string]int{},
		registrations: map[string]domain.Registration{},
		suppressed:    map[string]bool{},
		subjects:      map[string]map[string]bool{},
	}

	r := chi.NewRouter()
	r.Post("/v2/token", s.handleToken)
	r.Group(func(r chi.Router) {
		r.Use(s.authorize)
		r.Post("/v1/monitoring/registrations", s.handleCreate)
		r.Get("/v1/monitoring/registrations/export/{ref}/subjects", s.handleExport)
		r.Route("/v1/monitoring/registrations/{ref}", func(r chi.Router) {
			r.Get("/", s.handleGetRegistration)
			r.Post("/suppress", s.handleSuppress(true))
			r.Delete("/suppress", s.handleSuppress(false))
			r.Get("/notifications", s.handlePull)
			r.Get("/notifications/replay", s.handleReplay)
			r.Post("/notifications/acknowledge", s.handleAck)
			r.Post("/subjects/{duns}", s.handleSubject(true))
			r.Delete("/subjects/{duns}", s.handleSubject(false))
			r.Patch("/subjects", s.handleSubjects(true))
			r.Delete("/subjects", s.handleSubjects(false))
			r.Get("/duns/{duns}", s.handleSubjectStatus)
		})
	})
	s.Server = httptest.NewServer(r)
	return s
}

// SetClock replaces the clock used to stamp pulled records in the history.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Enqueue appends records to the pending queue of ref.
func (s *Server) Enqueue(ref string, records ...json.RawMessage) {
	s.mu.Lock()
	s.queues[ref] = append(s.queues[ref], records...)
	s.mu.Unlock()
}

// Redeliver puts the last pulled page of ref back at the head of its queue,
// as the upstream does when it never saw the acknowledgement.
func (s *Server) Redeliver(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.last[ref]
	if !ok {
		return
	}
	s.queues[ref] = append(append([]json.RawMessage(nil), p.records...), s.queues[ref]...)
}

// FailNext makes the next len(statuses) monitoring calls answer with the
// given statuses, in order.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	s.failures = append(s.failures, statuses...)
	s.mu.Unlock()
}

// ExpireToken revokes the current bearer token.
func (s *Server) ExpireToken() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

func (s *Server) Pending(ref string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[ref])
}

func (s *Server) Pulls(ref string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls[ref]
}

func (s *Server) Replays(ref string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replays[ref]
}

func (s *Server) Acks() []Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Ack(nil), s.acks...)
}

func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

// Requests lists "METHOD path" for every authorized call, in order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) Subjects(ref string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subjects[ref]))
	for d := range s.subjects[ref] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (s *Server) Suppressed(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed[ref]
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenCalls++
	id, secret, ok := r.BasicAuth()
	if !ok || id != ClientID || secret != ClientSecret {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
		return
	}
	s.tokenSeq++
	s.token = "tok-" + strconv.Itoa(s.tokenSeq)
	writeJSON(w, http.StatusOK, map[string]any{"access_token": s.token, "expiresIn": 86400})
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		valid := s.token != "" && r.Header.Get("Authorization") == "Bearer "+s.token
		status := 0
		if valid && len(s.failures) > 0 {
			status = s.failures[0]
			s.failures = s.failures[1:]
		}
		s.mu.Unlock()

		if !valid {
			http.Error(w, `{"error":"invalid_token"}`, http.StatusUnauthorized)
			return
		}
		if status != 0 {
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "0")
			}
			http.Error(w, `{"error":"injected"}`, status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	max := maxParam(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls[ref]++
	q := s.queues[ref]
	if len(q) == 0 {
		http.Error(w, `{"error":"no notifications"}`, http.StatusNotFound)
		return
	}
	n := min(max, len(q))
	records := append([]json.RawMessage(nil), q[:n]...)
	s.queues[ref] = q[n:]
	s.txSeq++
	txID := "tx-" + strconv.Itoa(s.txSeq)
	now := s.now().UTC()
	for _, rec := range records {
		s.history[ref] = append(s.history[ref], delivered{at: now, record: rec})
	}
	s.last[ref] = page{txID: txID, records: records}
	writePage(w, ref, txID, now, records)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	max := maxParam(r)
	since, err := time.Parse(time.RFC3339, r.URL.Query().Get("replayStartTimestamp"))
	if err != nil {
		http.Error(w, `{"error":"bad replayStartTimestamp"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.replays[ref]++
	var records []json.RawMessage
	for _, d := range s.history[ref] {
		if d.at.Before(since) {
			continue
		}
		records = append(records, d.record)
		if len(records) == max {
			break
		}
	}
	if len(records) == 0 {
		http.Error(w, `{"error":"no notifications"}`, http.StatusNotFound)
		return
	}
	s.txSeq++
	writePage(w, ref, "replay-"+strconv.Itoa(s.txSeq), s.now().UTC(), records)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	var body struct {
		TransactionID string `json:"transactionID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TransactionID == "" {
		http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ref + "/" + body.TransactionID
	if s.acked[key] {
		http.Error(w, `{"error":"already acknowledged"}`, http.StatusConflict)
		return
	}
	s.acked[key] = true
	s.acks = append(s.acks, Ack{Registration: ref, TransactionID: body.TransactionID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var reg domain.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil || reg.Reference == "" {
		http.Error(w, `{"error":"bad registration"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registrations[reg.Reference]; ok {
		http.Error(w, `{"error":"exists"}`, http.StatusConflict)
		return
	}
	reg.Status = domain.StatusPending
	s.registrations[reg.Reference] = reg
	s.suppressed[reg.Reference] = true
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetRegistration(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[ref]
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	switch {
	case !s.suppressed[ref]:
		reg.Status = domain.StatusActive
	case reg.Status != domain.StatusPending:
		reg.Status = domain.StatusSuppressed
	}
	writeJSON(w, http.StatusOK, map[string]any{"registration": reg})
}

func (s *Server) handleSuppress(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "ref")
		s.mu.Lock()
		defer s.mu.Unlock()
		reg, ok := s.registrations[ref]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		s.suppressed[ref] = on
		reg.Status = domain.StatusSuppressed
		if !on {
			reg.Status = domain.StatusActive
		}
		s.registrations[ref] = reg
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSubject(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, duns := chi.URLParam(r, "ref"), chi.URLParam(r, "duns")
		if domain.ValidateDUNS(duns) != nil {
			http.Error(w, `{"error":"invalid duns"}`, http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.setSubject(ref, duns, add)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSubjects(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "ref")
		raw, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		defer s.mu.Unlock()
		sc := bufio.NewScanner(bytes.NewReader(raw))
		for sc.Scan() {
			duns := strings.TrimSpace(sc.Text())
			if domain.ValidateDUNS(duns) == nil {
				s.setSubject(ref, duns, add)
			}
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) setSubject(ref, duns string, add bool) {
	set := s.subjects[ref]
	if set == nil {
		set = map[string]bool{}
		s.subjects[ref] = set
	}
	if add {
		set[duns] = true
	} else {
		delete(set, duns)
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	writeJSON(w, http.StatusOK, map[string]any{"subjects": s.Subjects(ref)})
}

func (s *Server) handleSubjectStatus(w http.ResponseWriter, r *http.Request) {
	ref, duns := chi.URLParam(r, "ref"), chi.URLParam(r, "duns")
	s.mu.Lock()
	monitored := s.subjects[ref][duns]
	s.mu.Unlock()
	if !monitored {
		http.Error(w, `{"error":"not monitored"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"duns": duns, "monitoringStatus": "ACTIVE"})
}

func maxParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("maxNotifications"))
	if err != nil || n <= 0 {
		return 100
	}
	return n
}

func writePage(w http.ResponseWriter, ref, txID string, at time.Time, records []json.RawMessage) {
	writeJSON(w, http.StatusOK, map[string]any{
		"transactionDetail": map[string]any{
			"transactionID":        txID,
			"transactionTimestamp": at.Format(time.RFC3339Nano),
		},
		"inquiryDetail": map[string]any{"reference": ref},
		"notifications": records,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
