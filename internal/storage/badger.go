package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

const (
	cursorPrefix  = "cursor:"
	failurePrefix = "failure:"
)

type badgerStore struct {
	db  *badger.DB
	log logx.Logger
	seq atomic.Uint64
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for badger driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerStore{db: db, log: log}, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

func (s *badgerStore) GetCursor(_ context.Context, ref string) (domain.Cursor, bool, error) {
	var c domain.Cursor
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cursorPrefix + ref))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &c) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Cursor{}, false, nil
	}
	if err != nil {
		return domain.Cursor{}, false, err
	}
	return c, true, nil
}

func (s *badgerStore) PutCursor(_ context.Context, c domain.Cursor) error {
	if strings.TrimSpace(c.Registration) == "" {
		return errors.New("cursor without registration")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cursorPrefix+c.Registration), data)
	})
}

func (s *badgerStore) Cursors(context.Context) ([]domain.Cursor, error) {
	var out []domain.Cursor
	err := s.scan(cursorPrefix, func(v []byte) error {
		var c domain.Cursor
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// Failure keys sort by time: failure:<ref>:<unix nanos, zero padded>:<seq>.
func (s *badgerStore) AppendSinkFailure(_ context.Context, f domain.SinkFailure) error {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%s:%020d:%08d", failurePrefix, f.Registration, f.At.UnixNano(), s.seq.Add(1))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *badgerStore) SinkFailures(_ context.Context, ref string, limit int) ([]domain.SinkFailure, error) {
	prefix := failurePrefix
	if ref != "" {
		prefix += ref + ":"
	}
	var out []domain.SinkFailure
	err := s.scan(prefix, func(v []byte) error {
		var f domain.SinkFailure
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ref == "" {
		sortFailures(out)
	}
	return tail(out, limit), nil
}

func (s *badgerStore) scan(prefix string, fn func(v []byte) error) error {
	p := []byte(prefix)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}
