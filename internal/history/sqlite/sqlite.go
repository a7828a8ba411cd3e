package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/routerctl/internal/eventlog"
	"github.com/loykin/routerctl/internal/history"
)

// Sink writes events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS routerctl_events(
		timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		event TEXT NOT NULL,
		service TEXT,
		profile TEXT,
		provider TEXT,
		result TEXT NOT NULL,
		detail TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e eventlog.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routerctl_events(`+strings.Join(history.Columns, ", ")+`)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		history.Row(e)...)
	return err
}

// Count returns the number of stored events of the given kind; an empty
// kind counts everything.
func (s *Sink) Count(ctx context.Context, kind string) (int, error) {
	var n int
	q := `SELECT COUNT(*) FROM routerctl_events`
	args := []any{}
	if kind != "" {
		q += ` WHERE event = ?`
		args = append(args, kind)
	}
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
