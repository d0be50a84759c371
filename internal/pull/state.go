package pull

import (
	"sort"
	"time"

	"dnbwatch/internal/delivery"
	"dnbwatch/internal/domain"
	"dnbwatch/internal/eventbus"
	logx "dnbwatch/pkg/logx"
)

// State is the per-registration lifecycle. DRAINED and ERROR settle back
// to IDLE once reported.
type State string

const (
	StateIdle      State = "IDLE"
	StatePulling   State = "PULLING"
	StateReplaying State = "REPLAYING"
	StateDrained   State = "DRAINED"
	StateError     State = "ERROR"
)

// Result summarizes one Pull or Replay call. More is set when the page
// limit or cancellation stopped the call after a full page, so the queue
// may still hold notifications.
type Result struct {
	Registration  string
	Replay        bool
	Notifications []domain.Notification
	Pages         int
	More          bool
	Acknowledged  int
	Skipped       int
	Duplicates    int
	SinkFailures  int
	Reports       []delivery.Report
	Elapsed       time.Duration
}

// Status is the last known state of one registration.
type Status struct {
	Registration  string    `json:"registration"`
	State         State     `json:"state"`
	LastState     State     `json:"last_state,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	Delivered     int64     `json:"delivered"`
	Skipped       int64     `json:"skipped"`
	Duplicates    int64     `json:"duplicates"`
}

// StateEvent is the payload of eventbus.PullState.
type StateEvent struct {
	Registration string
	From, To     State
	Err          error
}

func (s *Service) transition(ref string, to State, err error) {
	reg := s.registration(ref)
	reg.mu.Lock()
	from := reg.status.State
	reg.status.State = to
	if to == StatePulling || to == StateReplaying {
		reg.status.LastRunAt = s.now()
	}
	if err != nil {
		reg.status.LastError = err.Error()
	}
	reg.mu.Unlock()

	s.log.Debug("state", logx.Registration(ref), logx.String("from", string(from)), logx.String("to", string(to)))
	eventbus.Publish(s.bus, eventbus.PullState, StateEvent{Registration: ref, From: from, To: to, Err: err})
}

// done reports a successful drain and settles to IDLE.
func (s *Service) done(ref string, final State, res Result) {
	reg := s.registration(ref)
	reg.mu.Lock()
	reg.status.LastSuccessAt = s.now()
	reg.status.LastError = ""
	reg.status.Delivered += int64(len(res.Notifications))
	reg.status.Skipped += int64(res.Skipped)
	reg.status.Duplicates += int64(res.Duplicates)
	reg.mu.Unlock()

	s.transition(ref, final, nil)
	s.settle(ref, final)

	s.log.Info("pull finished",
		logx.Registration(ref),
		logx.Bool("replay", res.Replay),
		logx.Int("pages", res.Pages),
		logx.Int("notifications", len(res.Notifications)),
		logx.Int("skipped", res.Skipped),
		logx.Int("duplicates", res.Duplicates),
		logx.Int("sink_failures", res.SinkFailures),
		logx.Duration("elapsed", res.Elapsed))
	eventbus.Publish(s.bus, eventbus.PullCompleted, res)
}

// fail records err, settles to IDLE and returns err.
func (s *Service) fail(ref string, err error) error {
	s.transition(ref, StateError, err)
	s.settle(ref, StateError)
	s.log.Error("pull failed",
		logx.Registration(ref),
		logx.String("kind", domain.ErrorKind(err)),
		logx.Err(err))
	return err
}

func (s *Service) settle(ref string, last State) {
	reg := s.registration(ref)
	reg.mu.Lock()
	reg.status.LastState = last
	reg.status.State = StateIdle
	reg.mu.Unlock()
}

// Status returns the state of one registration.
func (s *Service) Status(ref string) Status {
	reg := s.registration(ref)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.status
}

// Snapshot returns every known registration, sorted by reference.
func (s *Service) Snapshot() []Status {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.regs))
	for _, r := range s.regs {
		regs = append(regs, r)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(regs))
	for _, r := range regs {
		r.mu.Lock()
		out = append(out, r.status)
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Registration < out[j].Registration })
	return out
}
