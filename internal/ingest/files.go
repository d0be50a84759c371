package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"dnbwatch/internal/domain"
	"dnbwatch/internal/normalize"
)

// Kind classifies a delivered file by its name.
type Kind string

const (
	KindSeed      Kind = "seedfile"
	KindHeader    Kind = "header"
	KindException Kind = "exception"
	KindExport    Kind = "duns_export"
	KindZip       Kind = "zip"
)

// seedFields are the organization attributes a seedfile line turns into
// element changes.
var seedFields = []string{
	"primaryName",
	"dunsControlStatus",
	"primaryAddress",
	"telephone",
	"numberOfEmployees",
	"financials",
	"corporateLinkage",
	"registrationNumbers",
	"legalForm",
}

// Classify maps a top-level file name to its kind. ok is false for files
// the ingester leaves alone.
func Classify(name string) (k Kind, ok bool) {
	lower := strings.ToLower(name)
	ext := filepath.Ext(lower)
	switch {
	case ext == ".zip":
		return KindZip, true
	case ext == ".json" && strings.Contains(lower, "header"):
		return KindHeader, true
	case ext != ".txt":
		return "", false
	case strings.Contains(lower, "seedfile"):
		return KindSeed, true
	case strings.Contains(lower, "exception"):
		return KindException, true
	case strings.Contains(lower, "dunsexport"):
		return KindExport, true
	}
	return "", false
}

// memberKind classifies a file inside a zip archive. Any other text member
// is read as a DUNS list.
func memberKind(name string) (Kind, bool) {
	lower := strings.ToLower(name)
	switch filepath.Ext(lower) {
	case ".json":
		return KindHeader, true
	case ".txt":
		switch {
		case strings.Contains(lower, "seedfile"):
			return KindSeed, true
		case strings.Contains(lower, "exception"):
			return KindException, true
		}
		return KindExport, true
	}
	return "", false
}

// Header is the metadata file D&B sends next to a seedfile.
type Header struct {
	Source string
	Fields map[string]any
}

func (h Header) Type() string {
	s, _ := h.Fields["headerType"].(string)
	return strings.ToUpper(s)
}

func parseHeader(source string, data []byte) (Header, error) {
	h := Header{Source: source}
	if err := json.Unmarshal(data, &h.Fields); err != nil {
		return Header{}, fmt.Errorf("%s: %w", source, err)
	}
	return h, nil
}

// parsed is the outcome of reading one file: records that normalize, and
// a count of lines that did not.
type parsed struct {
	records []domain.Notification
	skipped int
	errs    []error
}

func (p *parsed) add(registration, source string, rec normalize.RawRecord, line int) {
	n, err := normalize.Normalize(registration, source, rec)
	if err != nil {
		p.skip(fmt.Errorf("%s:%d: %w", source, line, err))
		return
	}
	p.records = append(p.records, n)
}

func (p *parsed) skip(err error) {
	p.skipped++
	p.errs = append(p.errs, err)
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func record(typ domain.NotificationType, duns, element string, current json.RawMessage, at time.Time) normalize.RawRecord {
	return normalize.RawRecord{
		Type:              string(typ),
		Organization:      &normalize.RawOrganization{DUNS: duns},
		Elements:          []normalize.RawElement{{Element: element, Current: current, Timestamp: stamp(at)}},
		DeliveryTimeStamp: stamp(at),
	}
}

// parseSeedfile reads one JSON organization per line. Each known attribute
// present becomes an organization.<field> element carrying its value.
func parseSeedfile(registration, source string, r io.Reader, at time.Time) (parsed, error) {
	var out parsed
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var doc struct {
			Organization map[string]json.RawMessage `json:"organization"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			out.skip(fmt.Errorf("%s:%d: %w", source, line, err))
			continue
		}
		var duns string
		if v, ok := doc.Organization["duns"]; ok {
			_ = json.Unmarshal(v, &duns)
		}
		rec := normalize.RawRecord{
			Type:              string(domain.TypeSeed),
			Organization:      &normalize.RawOrganization{DUNS: duns},
			DeliveryTimeStamp: stamp(at),
		}
		for _, f := range seedFields {
			if v, ok := doc.Organization[f]; ok {
				rec.Elements = append(rec.Elements, normalize.RawElement{
					Element: "organization." + f, Current: v, Timestamp: stamp(at),
				})
			}
		}
		out.add(registration, source, rec, line)
	}
	return out, sc.Err()
}

// parseExceptions reads a tab-delimited file: DUNS, then an exception code.
func parseExceptions(registration, source string, r io.Reader, at time.Time) (parsed, error) {
	var out parsed
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	line := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		line++
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				out.skip(fmt.Errorf("%s:%d: %w", source, line, err))
				continue
			}
			return out, err
		}
		duns := strings.TrimSpace(row[0])
		if duns == "" {
			continue
		}
		code := "UNKNOWN"
		if len(row) > 1 && strings.TrimSpace(row[1]) != "" {
			code = strings.TrimSpace(row[1])
		}
		cur, _ := json.Marshal(map[string]string{"duns": duns, "exception_type": code, "source_file": source})
		out.add(registration, source, record(domain.TypeUpdate, duns, "organization.exception", cur, at), line)
	}
}

// parseExport reads one DUNS per line.
func parseExport(registration, source string, r io.Reader, at time.Time) (parsed, error) {
	var out parsed
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		duns := strings.TrimSpace(sc.Text())
		if duns == "" {
			continue
		}
		cur, _ := json.Marshal(map[string]string{"duns": duns, "export_type": "DUNS_LIST", "source_file": source})
		out.add(registration, source, record(domain.TypeSeed, duns, "organization.export", cur, at), line)
	}
	return out, sc.Err()
}

func parseText(kind Kind, registration, source string, r io.Reader, at time.Time) (parsed, error) {
	switch kind {
	case KindSeed:
		return parseSeedfile(registration, source, r, at)
	case KindException:
		return parseExceptions(registration, source, r, at)
	case KindExport:
		return parseExport(registration, source, r, at)
	}
	return parsed{}, fmt.Errorf("%s: not a text notification file", source)
}
