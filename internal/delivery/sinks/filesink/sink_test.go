package filesink

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

var at = time.Date(2025, 3, 4, 5, 6, 7, 891_000_000, time.UTC)

func sample() []domain.Notification {
	return []domain.Notification{
		{
			ID: "n1", Registration: "REF1", TransactionID: "tx-1", Type: domain.TypeUpdate, DUNS: "123456789",
			DeliveredAt: at,
			Elements: []domain.ElementChange{{
				Element: "organization.primaryName", Previous: json.RawMessage(`"A"`), Current: json.RawMessage(`"B"`),
			}},
		},
		{ID: "n2", Registration: "REF1", Type: domain.TypeDelete, Priority: domain.PriorityCritical, DUNS: "987654321", DeliveredAt: at},
	}
}

func TestLayoutPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		layout Layout
		want   string
	}{
		{"flat", Layout{Format: "json"}, "notifications_20250304_050607_891_2.json"},
		{"by date", Layout{Format: "csv", ByDate: true}, "2025/03/04/notifications_20250304_050607_891_2.csv"},
		{"full", Layout{Format: "json", ByDate: true, ByRegistration: true, Compress: true}, "2025/03/04/REF1/notifications_20250304_050607_891_2.json.gz"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.layout.Path("REF1", 2, at))
		})
	}
}

func TestRenderJSONKeepsMetadataAndRawValues(t *testing.T) {
	t.Parallel()
	body, err := Layout{Format: "json", StorageType: "local_file"}.Render(sample(), at)
	require.NoError(t, err)

	var doc struct {
		Metadata struct {
			NotificationCount int    `json:"notification_count"`
			FormatVersion     string `json:"format_version"`
			StorageType       string `json:"storage_type"`
		} `json:"metadata"`
		Notifications []domain.Notification `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, 2, doc.Metadata.NotificationCount)
	assert.Equal(t, "1.0", doc.Metadata.FormatVersion)
	assert.Equal(t, "local_file", doc.Metadata.StorageType)
	require.Len(t, doc.Notifications, 2)
	assert.Equal(t, "B", doc.Notifications[0].Elements[0].CurrentText())
	assert.Equal(t, domain.PriorityCritical, doc.Notifications[1].Priority)
}

func TestSinkWritesCompressedCSV(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := New(Config{BasePath: dir, Layout: Layout{Format: "csv", Compress: true, ByDate: true, ByRegistration: true}}, logx.Nop())
	require.NoError(t, err)
	s.now = func() time.Time { return at }

	require.NoError(t, s.HandleBatch(context.Background(), sample()))

	path := filepath.Join(dir, "2025", "03", "04", "REF1", "notifications_20250304_050607_891_2.csv.gz")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(plain)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"n1", "REF1", "tx-1", "UPDATE", "routine", "123456789", "2025-03-04T05:06:07.891Z", "1"}, rows[1])
	assert.Equal(t, "critical", rows[2][4])

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{BasePath: t.TempDir(), Layout: Layout{Format: "xml"}}, logx.Nop())
	assert.Error(t, err)
}
