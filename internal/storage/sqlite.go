package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const cursorColumns = `registration, last_transaction_id, last_ack_at, last_notification_at, acknowledged, updated_at`

func (s *sqliteStore) GetCursor(ctx context.Context, ref string) (domain.Cursor, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cursorColumns+` FROM cursors WHERE registration = ?`, ref)
	c, err := scanCursor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cursor{}, false, nil
	}
	if err != nil {
		return domain.Cursor{}, false, err
	}
	return c, true, nil
}

func (s *sqliteStore) Cursors(ctx context.Context) ([]domain.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cursorColumns+` FROM cursors ORDER BY registration`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Cursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutCursor(ctx context.Context, c domain.Cursor) error {
	if strings.TrimSpace(c.Registration) == "" {
		return errors.New("cursor without registration")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(`+cursorColumns+`) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(registration) DO UPDATE SET
		   last_transaction_id=excluded.last_transaction_id,
		   last_ack_at=excluded.last_ack_at,
		   last_notification_at=excluded.last_notification_at,
		   acknowledged=excluded.acknowledged,
		   updated_at=excluded.updated_at`,
		c.Registration, c.LastTransactionID, nullTime(c.LastAckAt), nullTime(c.LastNotificationAt),
		c.Acknowledged, c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) AppendSinkFailure(ctx context.Context, f domain.SinkFailure) error {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sink_failures(at, registration, sink, notification_id, err) VALUES(?,?,?,?,?)`,
		f.At.UTC().Format(time.RFC3339Nano), f.Registration, f.Sink, nullStr(f.NotificationID), f.Error,
	)
	return err
}

func (s *sqliteStore) SinkFailures(ctx context.Context, ref string, limit int) ([]domain.SinkFailure, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, registration, sink, notification_id, err FROM (
		   SELECT * FROM sink_failures WHERE ? = '' OR registration = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`,
		ref, ref, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SinkFailure
	for rows.Next() {
		var (
			f   domain.SinkFailure
			at  string
			nid sql.NullString
		)
		if err := rows.Scan(&at, &f.Registration, &f.Sink, &nid, &f.Error); err != nil {
			return nil, err
		}
		f.At, _ = time.Parse(time.RFC3339Nano, at)
		f.NotificationID = nid.String
		out = append(out, f)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCursor(r rowScanner) (domain.Cursor, error) {
	var (
		c                 domain.Cursor
		ackAt, notifiedAt sql.NullString
		updatedAt         string
	)
	if err := r.Scan(&c.Registration, &c.LastTransactionID, &ackAt, &notifiedAt, &c.Acknowledged, &updatedAt); err != nil {
		return domain.Cursor{}, err
	}
	c.LastAckAt = parseNullTime(ackAt)
	c.LastNotificationAt = parseNullTime(notifiedAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return c, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v.String)
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
