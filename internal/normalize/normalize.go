package normalize

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"dnbwatch/internal/domain"
)

// RawRecord is one notification as it appears on the wire.
type RawRecord struct {
	Type              string           `json:"type"`
	Organization      *RawOrganization `json:"organization,omitempty"`
	Elements          []RawElement     `json:"elements,omitempty"`
	DeliveryTimeStamp string           `json:"deliveryTimeStamp,omitempty"`
}

type RawOrganization struct {
	DUNS string `json:"duns"`
}

type RawElement struct {
	Element   string          `json:"element"`
	Previous  json.RawMessage `json:"previous,omitempty"`
	Current   json.RawMessage `json:"current,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// idSpace namespaces the deterministic notification ids.
var idSpace = uuid.MustParse("6f1c8f55-3a0e-4c1e-9a57-1f0d5b8c2e41")

// Record decodes and normalizes a single raw JSON record.
func Record(registration, txID string, raw []byte) (domain.Notification, error) {
	var rec RawRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Notification{}, &domain.MalformedRecordError{Field: "$", Reason: err.Error()}
	}
	return Normalize(registration, txID, rec)
}

// Normalize maps a wire record to a Notification. It performs no I/O.
func Normalize(registration, txID string, rec RawRecord) (domain.Notification, error) {
	if strings.TrimSpace(rec.Type) == "" {
		return domain.Notification{}, &domain.MalformedRecordError{Field: "type", Reason: "missing"}
	}
	typ, err := domain.ParseNotificationType(rec.Type)
	if err != nil {
		return domain.Notification{}, &domain.MalformedRecordError{Field: "type", Reason: err.Error()}
	}
	if rec.Organization == nil || rec.Organization.DUNS == "" {
		return domain.Notification{}, &domain.MalformedRecordError{Field: "organization.duns", Reason: "missing"}
	}
	duns := rec.Organization.DUNS
	if err := domain.ValidateDUNS(duns); err != nil {
		return domain.Notification{}, &domain.MalformedRecordError{Field: "organization.duns", Reason: err.Error()}
	}

	elements := make([]domain.ElementChange, 0, len(rec.Elements))
	var newest time.Time
	for i, e := range rec.Elements {
		if strings.TrimSpace(e.Element) == "" {
			return domain.Notification{}, &domain.MalformedRecordError{Field: "elements[" + strconv.Itoa(i) + "].element", Reason: "missing"}
		}
		var ts time.Time
		if e.Timestamp != "" {
			ts, err = parseTime(e.Timestamp)
			if err != nil {
				return domain.Notification{}, &domain.MalformedRecordError{Field: "elements[" + strconv.Itoa(i) + "].timestamp", Reason: err.Error()}
			}
			if ts.After(newest) {
				newest = ts
			}
		}
		elements = append(elements, domain.ElementChange{
			Element:   e.Element,
			Previous:  cloneRaw(e.Previous),
			Current:   cloneRaw(e.Current),
			Timestamp: ts,
		})
	}

	delivered := newest
	if rec.DeliveryTimeStamp != "" {
		delivered, err = parseTime(rec.DeliveryTimeStamp)
		if err != nil {
			return domain.Notification{}, &domain.MalformedRecordError{Field: "deliveryTimeStamp", Reason: err.Error()}
		}
	}
	if delivered.IsZero() {
		return domain.Notification{}, &domain.MalformedRecordError{Field: "deliveryTimeStamp", Reason: "missing"}
	}

	n := domain.Notification{
		Registration:  registration,
		TransactionID: txID,
		Type:          typ,
		DUNS:          duns,
		Elements:      elements,
		DeliveredAt:   delivered,
	}
	n.ID = ID(n)
	return n, nil
}

// ID derives a stable identifier from the record content, so the same change
// re-sent by the upstream maps to the same id.
func ID(n domain.Notification) string {
	var b strings.Builder
	b.WriteString(n.Registration)
	b.WriteByte('|')
	b.WriteString(string(n.Type))
	b.WriteByte('|')
	b.WriteString(n.DUNS)
	b.WriteByte('|')
	b.WriteString(n.DeliveredAt.UTC().Format(time.RFC3339Nano))
	for _, e := range n.Elements {
		b.WriteByte('|')
		b.WriteString(e.Element)
		b.WriteByte('=')
		b.Write(e.Previous)
		b.WriteString("->")
		b.Write(e.Current)
	}
	return uuid.NewSHA1(idSpace, []byte(b.String())).String()
}

// Denormalize renders n back into its wire shape.
func Denormalize(n domain.Notification) RawRecord {
	rec := RawRecord{
		Type:         string(n.Type),
		Organization: &RawOrganization{DUNS: n.DUNS},
	}
	if !n.DeliveredAt.IsZero() {
		rec.DeliveryTimeStamp = n.DeliveredAt.UTC().Format(time.RFC3339Nano)
	}
	for _, e := range n.Elements {
		re := RawElement{Element: e.Element, Previous: cloneRaw(e.Previous), Current: cloneRaw(e.Current)}
		if !e.Timestamp.IsZero() {
			re.Timestamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		rec.Elements = append(rec.Elements, re)
	}
	return rec
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
