package normalize

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnbwatch/internal/domain"
)

const scenario = `{"type":"UPDATE","organization":{"duns":"123456789"},"elements":[{"element":"organization.primaryName","previous":"A","current":"B","timestamp":"2025-01-01T00:00:00Z"}]}`

func TestRecordScenario(t *testing.T) {
	t.Parallel()
	n, err := Record("ref1", "tx1", []byte(scenario))
	require.NoError(t, err)

	assert.Equal(t, "123456789", n.DUNS)
	assert.Equal(t, domain.TypeUpdate, n.Type)
	require.Len(t, n.Elements, 1)
	assert.Equal(t, "organization.primaryName", n.Elements[0].Element)
	assert.Equal(t, "A", n.Elements[0].PreviousText())
	assert.Equal(t, "B", n.Elements[0].CurrentText())
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), n.DeliveredAt, "falls back to newest element timestamp")
	assert.Equal(t, "ref1", n.Registration)
	assert.Equal(t, "tx1", n.TransactionID)
	assert.NotEmpty(t, n.ID)
	assert.False(t, n.Processed)
}

func TestRoundTripPreservesSubjectTypeAndDiffs(t *testing.T) {
	t.Parallel()
	records := []string{
		scenario,
		`{"type":"DELETE","organization":{"duns":"000000042"},"deliveryTimeStamp":"2024-06-30T12:00:00.123Z","elements":[]}`,
		`{"type":"TRANSFER","organization":{"duns":"987654321"},"deliveryTimeStamp":"2024-06-30T12:00:00Z","elements":[{"element":"organization.registeredAddress","previous":{"line":"1 Old St","zip":12345},"current":"2 New St","timestamp":"2024-06-29T08:30:00.5Z"},{"element":"organization.numberOfEmployees","previous":10,"current":12.5}]}`,
	}
	for _, raw := range records {
		var in RawRecord
		require.NoError(t, json.Unmarshal([]byte(raw), &in))

		n, err := Normalize("ref1", "", in)
		require.NoError(t, err)

		b, err := json.Marshal(Denormalize(n))
		require.NoError(t, err)
		var out RawRecord
		require.NoError(t, json.Unmarshal(b, &out))

		assert.Equal(t, in.Organization.DUNS, out.Organization.DUNS)
		assert.Equal(t, in.Type, out.Type)
		require.Len(t, out.Elements, len(in.Elements))
		for i := range in.Elements {
			assert.Equal(t, in.Elements[i].Element, out.Elements[i].Element)
			assert.Equal(t, string(in.Elements[i].Previous), string(out.Elements[i].Previous))
			assert.Equal(t, string(in.Elements[i].Current), string(out.Elements[i].Current))
			assert.Equal(t, in.Elements[i].Timestamp, out.Elements[i].Timestamp)
		}

		again, err := Normalize("ref1", "", out)
		require.NoError(t, err)
		assert.Equal(t, n.ID, again.ID)
	}
}

func TestMalformedRecords(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"missing type", `{"organization":{"duns":"123456789"},"deliveryTimeStamp":"2025-01-01T00:00:00Z"}`, "type"},
		{"unknown type", `{"type":"MERGE","organization":{"duns":"123456789"},"deliveryTimeStamp":"2025-01-01T00:00:00Z"}`, "type"},
		{"missing duns", `{"type":"UPDATE","organization":{},"deliveryTimeStamp":"2025-01-01T00:00:00Z"}`, "organization.duns"},
		{"missing organization", `{"type":"UPDATE","deliveryTimeStamp":"2025-01-01T00:00:00Z"}`, "organization.duns"},
		{"short duns", `{"type":"UPDATE","organization":{"duns":"12345"},"deliveryTimeStamp":"2025-01-01T00:00:00Z"}`, "organization.duns"},
		{"alpha duns", `{"type":"UPDATE","organization":{"duns":"12345678x"},"deliveryTimeStamp":"2025-01-01T00:00:00Z"}`, "organization.duns"},
		{"no timestamp anywhere", `{"type":"UPDATE","organization":{"duns":"123456789"},"elements":[{"element":"x"}]}`, "deliveryTimeStamp"},
		{"bad timestamp", `{"type":"UPDATE","organization":{"duns":"123456789"},"deliveryTimeStamp":"yesterday"}`, "deliveryTimeStamp"},
		{"not an object", `[1,2,3]`, "$"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Record("ref1", "", []byte(tt.raw))
			require.ErrorIs(t, err, domain.ErrMalformedRecord)
			var me *domain.MalformedRecordError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tt.field, me.Field)
		})
	}
}

func TestIDStableAcrossTransactions(t *testing.T) {
	t.Parallel()
	a, err := Record("ref1", "tx1", []byte(scenario))
	require.NoError(t, err)
	b, err := Record("ref1", "tx2", []byte(scenario))
	require.NoError(t, err)
	c, err := Record("ref2", "tx1", []byte(scenario))
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
}
