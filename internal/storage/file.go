package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

// fileStore keeps everything in plain files next to Config.Path.
//
// Files:
//   - <prefix>.failures.jsonl        (append-only JSON Lines)
//   - <prefix>.cursors.snapshot.json (periodic snapshot)
//   - <prefix>.cursors.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	failuresPath string
	failuresFile *os.File

	snapshotPath string
	journalFile  *os.File
	cursors      map[string]domain.Cursor

	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	failuresPath := prefix + ".failures.jsonl"
	snapPath := prefix + ".cursors.snapshot.json"
	journalPath := prefix + ".cursors.journal.jsonl"

	ff, err := os.OpenFile(failuresPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	cursors := map[string]domain.Cursor{}
	if err := loadSnapshot(snapPath, cursors); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("cursor snapshot unreadable; relying on journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, cursors); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = ff.Close()
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ff.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		failuresPath: failuresPath,
		failuresFile: ff,
		snapshotPath: snapPath,
		journalFile:  jf,
		cursors:      cursors,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		if s.writes > 0 {
			err1 = s.compactLocked()
		}
		if err := s.journalFile.Close(); err1 == nil {
			err1 = err
		}
		s.journalFile = nil
	}
	if s.failuresFile != nil {
		err2 = s.failuresFile.Close()
		s.failuresFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) GetCursor(_ context.Context, ref string) (domain.Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return domain.Cursor{}, false, ErrClosed
	}
	c, ok := s.cursors[ref]
	return c, ok, nil
}

func (s *fileStore) Cursors(context.Context) ([]domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedCursors(s.cursors), nil
}

func (s *fileStore) PutCursor(_ context.Context, c domain.Cursor) error {
	if strings.TrimSpace(c.Registration) == "" {
		return errors.New("cursor without registration")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	line, err := json.Marshal(c)
	if err != nil {
		return err
	}
	// Journal first: memory only reflects synced writes.
	if _, err := s.journalFile.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := s.journalFile.Sync(); err != nil {
		return err
	}
	s.cursors[c.Registration] = c

	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("cursor compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendSinkFailure(_ context.Context, f domain.SinkFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failuresFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.failuresFile).Encode(f)
}

func (s *fileStore) SinkFailures(_ context.Context, ref string, limit int) ([]domain.SinkFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.failuresPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []domain.SinkFailure
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var rec domain.SinkFailure
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if ref == "" || rec.Registration == ref {
			out = append(out, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return tail(out, limit), nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.cursors); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]domain.Cursor) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]domain.Cursor
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies journal lines over the snapshot. A torn last line
// from a crash mid-write is skipped.
func replayJournal(path string, out map[string]domain.Cursor) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var c domain.Cursor
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			continue
		}
		if c.Registration == "" {
			continue
		}
		out[c.Registration] = c
	}
	return sc.Err()
}
