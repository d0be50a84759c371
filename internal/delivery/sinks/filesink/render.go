package filesink

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"dnbwatch/internal/domain"
)

const formatVersion = "1.0"

// Layout decides where a batch goes and how it is encoded. It is shared by
// the local and the SFTP sink.
type Layout struct {
	// Format is "json" or "csv".
	Format         string
	Compress       bool
	ByDate         bool
	ByRegistration bool
	// StorageType is written into the JSON metadata block.
	StorageType string
}

func (l Layout) Validate() error {
	switch l.Format {
	case "json", "csv":
		return nil
	default:
		return fmt.Errorf("unsupported file format %q", l.Format)
	}
}

// Path returns the slash-separated relative path of a batch file:
// [YYYY/MM/DD/][ref/]notifications_YYYYmmdd_HHMMSS_mmm_{n}.{ext}[.gz]
func (l Layout) Path(ref string, count int, at time.Time) string {
	at = at.UTC()
	var parts []string
	if l.ByDate {
		parts = append(parts, at.Format("2006"), at.Format("01"), at.Format("02"))
	}
	if l.ByRegistration && ref != "" {
		parts = append(parts, ref)
	}
	name := fmt.Sprintf("notifications_%s_%03d_%d.%s",
		at.Format("20060102_150405"), at.Nanosecond()/int(time.Millisecond), count, l.Format)
	if l.Compress {
		name += ".gz"
	}
	return path.Join(append(parts, name)...)
}

type metadata struct {
	ExportTimestamp   time.Time `json:"export_timestamp"`
	NotificationCount int       `json:"notification_count"`
	FormatVersion     string    `json:"format_version"`
	StorageType       string    `json:"storage_type"`
}

type document struct {
	Metadata      metadata              `json:"metadata"`
	Notifications []domain.Notification `json:"notifications"`
}

var csvHeader = []string{"id", "registration", "transaction_id", "type", "priority", "duns", "delivery_timestamp", "element_count"}

// Render encodes batch in the configured format, compressed if requested.
func (l Layout) Render(batch []domain.Notification, at time.Time) ([]byte, error) {
	var raw []byte
	switch l.Format {
	case "json":
		b, err := json.MarshalIndent(document{
			Metadata: metadata{
				ExportTimestamp:   at.UTC(),
				NotificationCount: len(batch),
				FormatVersion:     formatVersion,
				StorageType:       l.StorageType,
			},
			Notifications: batch,
		}, "", "  ")
		if err != nil {
			return nil, err
		}
		raw = b
	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write(csvHeader)
		for _, n := range batch {
			_ = w.Write([]string{
				n.ID,
				n.Registration,
				n.TransactionID,
				string(n.Type),
				n.Priority.String(),
				n.DUNS,
				n.DeliveredAt.UTC().Format(time.RFC3339Nano),
				strconv.Itoa(len(n.Elements)),
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		raw = buf.Bytes()
	default:
		return nil, fmt.Errorf("unsupported file format %q", l.Format)
	}

	if !l.Compress {
		return raw, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
