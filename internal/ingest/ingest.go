// Package ingest turns files that D&B pushes into a local directory
// (FTP_PUSH delivery) into notifications and hands them to the same
// delivery router the pull path uses. Processed files are archived by
// date; files that cannot be read stay in place for the next sweep.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"

	"dnbwatch/internal/delivery"
	"dnbwatch/internal/domain"
	"dnbwatch/internal/metrics"
	logx "dnbwatch/pkg/logx"
)

const DefaultInterval = time.Minute

type Deliverer interface {
	Deliver(ctx context.Context, batch []domain.Notification) ([]domain.Notification, delivery.Report)
}

// Store records sink failures, like the pull path does.
type Store interface {
	AppendSinkFailure(ctx context.Context, f domain.SinkFailure) error
}

type Config struct {
	Registration string
	Path         string
	// ArchivePath defaults to <Path>/processed.
	ArchivePath string
	KeepFiles   bool
	SkipZip     bool
	Interval    time.Duration
}

// FileResult describes one processed input file.
type FileResult struct {
	Name          string
	Kind          Kind
	Notifications int
	Skipped       int
	Archived      string
	Err           error
}

// Result summarizes one Scan.
type Result struct {
	Files         []FileResult
	Headers       []Header
	Notifications []domain.Notification
	Skipped       int
	SinkFailures  int
	Reports       []delivery.Report
}

// Failed lists files that could not be processed.
func (r Result) Failed() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if f.Err != nil {
			out = append(out, f)
		}
	}
	return out
}

type Option func(*Ingester)

func WithMetrics(m *metrics.Metrics) Option { return func(i *Ingester) { i.metrics = m } }
func WithClock(now func() time.Time) Option { return func(i *Ingester) { i.now = now } }

type Ingester struct {
	cfg     Config
	router  Deliverer
	store   Store
	log     logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu serializes scans so a watch event and a sweep never race on a file.
	mu sync.Mutex
}

func New(cfg Config, router Deliverer, store Store, log logx.Logger, opts ...Option) (*Ingester, error) {
	if cfg.Path == "" {
		return nil, errors.New("ingest: path is required")
	}
	if err := domain.ValidateReference(cfg.Registration); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if router == nil {
		return nil, errors.New("ingest: router is required")
	}
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = filepath.Join(cfg.Path, "processed")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	i := &Ingester{cfg: cfg, router: router, store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

func (i *Ingester) Config() Config { return i.cfg }

// Scan processes every recognised file currently in the input directory.
// Headers go first, then the remaining files in name order. A file whose
// notifications were handed to the router is archived even when some
// sinks failed; sink failures are recorded instead.
func (i *Ingester) Scan(ctx context.Context) (Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var res Result
	entries, err := os.ReadDir(i.cfg.Path)
	if err != nil {
		return res, fmt.Errorf("ingest: read %s: %w", i.cfg.Path, err)
	}
	type job struct {
		name string
		kind Kind
	}
	var jobs []job
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		kind, ok := Classify(e.Name())
		if !ok || (kind == KindZip && i.cfg.SkipZip) {
			continue
		}
		jobs = append(jobs, job{e.Name(), kind})
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		ha, hb := jobs[a].kind == KindHeader, jobs[b].kind == KindHeader
		if ha != hb {
			return ha
		}
		return jobs[a].name < jobs[b].name
	})

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		fr := i.process(ctx, j.name, j.kind, &res)
		if fr.Err == nil && !i.cfg.KeepFiles {
			dst, err := i.archive(j.name)
			if err != nil {
				i.log.Error("archive failed", logx.String("file", j.name), logx.Err(err))
			}
			fr.Archived = dst
		}
		res.Files = append(res.Files, fr)
	}
	if len(res.Files) > 0 {
		i.log.Info("ingest sweep done",
			logx.Registration(i.cfg.Registration),
			logx.Int("files", len(res.Files)),
			logx.Int("failed", len(res.Failed())),
			logx.Int("notifications", len(res.Notifications)),
			logx.Int("skipped", res.Skipped))
	}
	return res, nil
}

func (i *Ingester) process(ctx context.Context, name string, kind Kind, res *Result) FileResult {
	fr := FileResult{Name: name, Kind: kind}
	path := filepath.Join(i.cfg.Path, name)
	info, err := os.Stat(path)
	if err != nil {
		fr.Err = err
		return fr
	}
	at := info.ModTime()

	var got parsed
	switch kind {
	case KindHeader:
		data, err := os.ReadFile(path)
		if err == nil {
			var h Header
			if h, err = parseHeader(name, data); err == nil {
				res.Headers = append(res.Headers, h)
			}
		}
		fr.Err = err
	case KindZip:
		got, fr.Err = i.readZip(path, name, res)
	default:
		var f *os.File
		if f, fr.Err = os.Open(path); fr.Err == nil {
			got, fr.Err = parseText(kind, i.cfg.Registration, name, f, at)
			_ = f.Close()
		}
	}
	if fr.Err != nil {
		i.log.Error("ingest file failed", logx.String("file", name), logx.String("kind", string(kind)), logx.Err(fr.Err))
		return fr
	}

	ref := i.cfg.Registration
	for _, e := range got.errs {
		i.log.Warn("skipping malformed line", logx.Registration(ref), logx.String("kind", domain.ErrorKind(e)), logx.Err(e))
	}
	fr.Skipped = got.skipped
	res.Skipped += got.skipped
	i.metrics.AddSkipped(ref, "malformed", got.skipped)

	fr.Notifications = len(got.records)
	i.deliver(ctx, got.records, res)
	return fr
}

// readZip reads the archive in place. Header members are collected; text
// members are parsed by name.
func (i *Ingester) readZip(path, name string, res *Result) (parsed, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return parsed{}, err
	}
	defer zr.Close()

	var out parsed
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		base := filepath.Base(zf.Name)
		kind, ok := memberKind(base)
		if !ok {
			continue
		}
		source := name + "/" + base
		rc, err := zf.Open()
		if err != nil {
			return out, fmt.Errorf("%s: %w", source, err)
		}
		if kind == KindHeader {
			var data []byte
			if data, err = io.ReadAll(rc); err == nil {
				var h Header
				if h, err = parseHeader(source, data); err == nil {
					res.Headers = append(res.Headers, h)
				}
			}
		} else {
			var got parsed
			if got, err = parseText(kind, i.cfg.Registration, source, rc, zf.Modified); err == nil {
				out.records = append(out.records, got.records...)
				out.skipped += got.skipped
				out.errs = append(out.errs, got.errs...)
			}
		}
		_ = rc.Close()
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (i *Ingester) deliver(ctx context.Context, batch []domain.Notification, res *Result) {
	if len(batch) == 0 {
		return
	}
	ref := i.cfg.Registration
	out, rep := i.router.Deliver(ctx, batch)
	res.Notifications = append(res.Notifications, out...)
	res.Reports = append(res.Reports, rep)
	i.metrics.AddPulled(ref, len(out))

	for _, e := range rep.Errors() {
		res.SinkFailures++
		i.log.Error("sink delivery failed",
			logx.Registration(ref),
			logx.Sink(e.Sink),
			logx.Notification(e.NotificationID),
			logx.Err(e.Err))
		if i.store == nil {
			continue
		}
		f := domain.SinkFailure{
			At:             i.now().UTC(),
			Registration:   ref,
			Sink:           e.Sink,
			NotificationID: e.NotificationID,
			Error:          e.Err.Error(),
		}
		if err := i.store.AppendSinkFailure(ctx, f); err != nil {
			i.log.Warn("record sink failure", logx.Registration(ref), logx.Err(err))
		}
	}
}

// archive moves name under <archive>/<YYYY-MM-DD>/.
func (i *Ingester) archive(name string) (string, error) {
	dir := filepath.Join(i.cfg.ArchivePath, i.now().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, name)
	if err := os.Rename(filepath.Join(i.cfg.Path, name), dst); err != nil {
		return "", err
	}
	return dst, nil
}
