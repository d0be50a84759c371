// Package sqlsink stores notifications and their element changes in a SQL
// database. Inserts are idempotent on the notification id.
package sqlsink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

type Config struct {
	// Driver is "sqlite" or "pgx".
	Driver string
	DSN    string
	// Table prefix, default "dnb_".
	Prefix string
}

type Sink struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
	now     func() time.Time

	insertNotification string
	insertElement      string
}

type dialect struct {
	name string
	// placeholder returns the n-th (1-based) bind marker.
	placeholder func(n int) string
	schema      string
}

var dialects = map[string]dialect{
	"sqlite": {
		name:        "sqlite",
		placeholder: func(int) string { return "?" },
		schema: `
CREATE TABLE IF NOT EXISTS {p}notifications (
	id             TEXT PRIMARY KEY,
	registration   TEXT NOT NULL,
	transaction_id TEXT,
	type           TEXT NOT NULL,
	priority       TEXT NOT NULL,
	duns           TEXT NOT NULL,
	delivered_at   TEXT NOT NULL,
	stored_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS {p}notifications_duns ON {p}notifications(duns);
CREATE TABLE IF NOT EXISTS {p}notification_elements (
	notification_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	element         TEXT NOT NULL,
	prev_value      TEXT,
	curr_value      TEXT,
	changed_at      TEXT,
	PRIMARY KEY (notification_id, seq)
);`,
	},
	"pgx": {
		name:        "pgx",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		schema: `
CREATE TABLE IF NOT EXISTS {p}notifications (
	id             TEXT PRIMARY KEY,
	registration   TEXT NOT NULL,
	transaction_id TEXT,
	type           TEXT NOT NULL,
	priority       TEXT NOT NULL,
	duns           CHAR(9) NOT NULL,
	delivered_at   TIMESTAMPTZ NOT NULL,
	stored_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS {p}notifications_duns ON {p}notifications(duns);
CREATE TABLE IF NOT EXISTS {p}notification_elements (
	notification_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	element         TEXT NOT NULL,
	prev_value      JSONB,
	curr_value      JSONB,
	changed_at      TIMESTAMPTZ,
	PRIMARY KEY (notification_id, seq)
);`,
	},
}

func New(ctx context.Context, cfg Config, log logx.Logger) (*Sink, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "postgres" || driver == "postgresql" {
		driver = "pgx"
	}
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("sql sink: unsupported driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sql sink: dsn is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "dnb_"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open(d.name, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if d.name == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	s := &Sink{db: db, log: log, dialect: d, now: time.Now}
	if err := s.migrate(ctx, cfg.Prefix); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sql sink: migrate: %w", err)
	}
	s.insertNotification = fmt.Sprintf(
		`INSERT INTO %snotifications (id, registration, transaction_id, type, priority, duns, delivered_at, stored_at)
		 VALUES (%s) ON CONFLICT (id) DO NOTHING`, cfg.Prefix, s.binds(8))
	s.insertElement = fmt.Sprintf(
		`INSERT INTO %snotification_elements (notification_id, seq, element, prev_value, curr_value, changed_at)
		 VALUES (%s) ON CONFLICT (notification_id, seq) DO NOTHING`, cfg.Prefix, s.binds(6))
	return s, nil
}

func (s *Sink) migrate(ctx context.Context, prefix string) error {
	for _, stmt := range strings.Split(strings.ReplaceAll(s.dialect.schema, "{p}", prefix), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) binds(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s.dialect.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

func (s *Sink) Name() string { return "sql" }

func (s *Sink) Handle(ctx context.Context, n domain.Notification) error {
	return s.HandleBatch(ctx, []domain.Notification{n})
}

// HandleBatch writes the batch in one transaction.
func (s *Sink) HandleBatch(ctx context.Context, batch []domain.Notification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stored := s.now().UTC()
	for _, n := range batch {
		res, err := tx.ExecContext(ctx, s.insertNotification,
			n.ID, n.Registration, n.TransactionID, string(n.Type), n.Priority.String(), n.DUNS,
			s.timeArg(n.DeliveredAt), s.timeArg(stored),
		)
		if err != nil {
			return fmt.Errorf("insert %s: %w", n.ID, err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			s.log.Debug("notification already stored", logx.Notification(n.ID))
			continue
		}
		for i, e := range n.Elements {
			var changed any
			if !e.Timestamp.IsZero() {
				changed = s.timeArg(e.Timestamp)
			}
			if _, err := tx.ExecContext(ctx, s.insertElement,
				n.ID, i, e.Element, rawArg(e.Previous), rawArg(e.Current), changed,
			); err != nil {
				return fmt.Errorf("insert %s element %d: %w", n.ID, i, err)
			}
		}
	}
	return tx.Commit()
}

// Count returns the number of stored notifications.
func (s *Sink) Count(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		prefix = "dnb_"
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+prefix+"notifications").Scan(&n)
	return n, err
}

func (s *Sink) Close() error { return s.db.Close() }

func (s *Sink) timeArg(t time.Time) any {
	if s.dialect.name == "sqlite" {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t.UTC()
}

func rawArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
