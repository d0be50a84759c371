package dnbtest

import (
	"time"

	json "github.com/goccy/go-json"
)

// Change is one element change in a built record.
type Change struct {
	Element  string
	Previous any
	Current  any
}

// Record builds a wire notification record.
func Record(typ, duns string, at time.Time, changes ...Change) json.RawMessage {
	elements := make([]map[string]any, 0, len(changes))
	for _, c := range changes {
		elements = append(elements, map[string]any{
			"element":   c.Element,
			"previous":  c.Previous,
			"current":   c.Current,
			"timestamp": at.UTC().Format(time.RFC3339),
		})
	}
	raw, err := json.Marshal(map[string]any{
		"type":              typ,
		"organization":      map[string]any{"duns": duns},
		"elements":          elements,
		"deliveryTimeStamp": at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		panic(err)
	}
	return raw
}

// Records builds n distinct UPDATE records for duns, one second apart.
func Records(duns string, start time.Time, n int) []json.RawMessage {
	out := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Record("UPDATE", duns, start.Add(time.Duration(i)*time.Second),
			Change{Element: "organization.primaryName", Previous: "A", Current: i}))
	}
	return out
}
