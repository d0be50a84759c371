// Package filesink writes each delivered batch to a local file.
package filesink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

type Config struct {
	BasePath string
	Layout   Layout
	// FileMode defaults to 0o644.
	FileMode os.FileMode
}

type Sink struct {
	cfg Config
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.BasePath) == "" {
		return nil, errors.New("file sink: base_path is required")
	}
	if cfg.Layout.Format == "" {
		cfg.Layout.Format = "json"
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.Layout.StorageType == "" {
		cfg.Layout.StorageType = "local_file"
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{cfg: cfg, log: log, now: time.Now}, nil
}

func (s *Sink) Name() string { return "file" }

func (s *Sink) Handle(ctx context.Context, n domain.Notification) error {
	return s.HandleBatch(ctx, []domain.Notification{n})
}

// HandleBatch writes the batch atomically: tmp file, fsync, rename.
func (s *Sink) HandleBatch(ctx context.Context, batch []domain.Notification) error {
	if len(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	at := s.now()
	body, err := s.cfg.Layout.Render(batch, at)
	if err != nil {
		return err
	}
	dst := filepath.Join(s.cfg.BasePath, filepath.FromSlash(s.cfg.Layout.Path(batch[0].Registration, len(batch), at)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, s.cfg.FileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.log.Debug("batch written", logx.String("path", dst), logx.Int("count", len(batch)))
	return nil
}
