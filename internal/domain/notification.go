package domain

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// NotificationType is the upstream change kind.
type NotificationType string

const (
	TypeUpdate      NotificationType = "UPDATE"
	TypeDelete      NotificationType = "DELETE"
	TypeTransfer    NotificationType = "TRANSFER"
	TypeSeed        NotificationType = "SEED"
	TypeUndelete    NotificationType = "UNDELETE"
	TypeReviewed    NotificationType = "REVIEWED"
	TypeUnderReview NotificationType = "UNDER_REVIEW"
	TypeExit        NotificationType = "EXIT"
	TypeRemoved     NotificationType = "REMOVED"
)

// NotificationTypes lists every known type in a stable order.
var NotificationTypes = []NotificationType{
	TypeUpdate, TypeDelete, TypeTransfer, TypeSeed, TypeUndelete,
	TypeReviewed, TypeUnderReview, TypeExit, TypeRemoved,
}

// DefaultCriticalTypes are tagged high priority by the delivery router.
var DefaultCriticalTypes = []NotificationType{TypeDelete, TypeTransfer, TypeExit}

func (t NotificationType) Valid() bool {
	for _, k := range NotificationTypes {
		if t == k {
			return true
		}
	}
	return false
}

// ParseNotificationType accepts any case and surrounding space.
func ParseNotificationType(s string) (NotificationType, error) {
	t := NotificationType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown notification type %q", s)
	}
	return t, nil
}

type Priority int

const (
	PriorityRoutine Priority = iota
	PriorityCritical
)

func (p Priority) String() string {
	if p == PriorityCritical {
		return "critical"
	}
	return "routine"
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	switch string(b) {
	case "critical":
		*p = PriorityCritical
	case "routine", "":
		*p = PriorityRoutine
	default:
		return fmt.Errorf("unknown priority %q", b)
	}
	return nil
}

// ElementChange is one changed field. Previous and Current hold the
// upstream JSON values verbatim (string, number, object or null).
type ElementChange struct {
	Element   string          `json:"element"`
	Previous  json.RawMessage `json:"previous,omitempty"`
	Current   json.RawMessage `json:"current,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// PreviousText renders Previous for humans: JSON strings are unquoted.
func (e ElementChange) PreviousText() string { return rawText(e.Previous) }

// CurrentText renders Current for humans: JSON strings are unquoted.
func (e ElementChange) CurrentText() string { return rawText(e.Current) }

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Notification is a single detected change on one subject.
type Notification struct {
	ID            string           `json:"id"`
	Registration  string           `json:"registration"`
	TransactionID string           `json:"transaction_id,omitempty"`
	Type          NotificationType `json:"type"`
	DUNS          string           `json:"duns"`
	Elements      []ElementChange  `json:"elements"`
	DeliveredAt   time.Time        `json:"delivery_timestamp"`

	Priority    Priority  `json:"priority"`
	Processed   bool      `json:"processed"`
	ProcessedAt time.Time `json:"processing_timestamp,omitempty"`
}

func (n Notification) Critical() bool { return n.Priority == PriorityCritical }

// Summary is a one-line human description used by alert and CRM sinks.
func (n Notification) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on DUNS %s", n.Type, n.DUNS)
	if len(n.Elements) > 0 {
		fields := make([]string, 0, len(n.Elements))
		for _, e := range n.Elements {
			fields = append(fields, e.Element)
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(fields, ", "))
	}
	return b.String()
}
