// Package audit keeps a SQLite log of answered queries.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/WessleyAI/policyqa/engine/domain"
	"github.com/WessleyAI/policyqa/engine/rag"
)

const schema = `CREATE TABLE IF NOT EXISTS query_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	query TEXT NOT NULL,
	from_cache INTEGER NOT NULL DEFAULT 0,
	degraded INTEGER NOT NULL DEFAULT 0,
	citations_json TEXT NOT NULL DEFAULT '[]',
	processing_time_ms REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
)`

const indexes = `CREATE INDEX IF NOT EXISTS idx_query_log_request ON query_log(request_id)`

// Record is one row of the query log.
type Record struct {
	ID               int64             `json:"id"`
	RequestID        string            `json:"request_id"`
	Query            string            `json:"query"`
	FromCache        bool              `json:"from_cache"`
	Degraded         bool              `json:"degraded"`
	Citations        []domain.Citation `json:"citations"`
	ProcessingTimeMS float64           `json:"processing_time_ms"`
	CreatedAt        time.Time         `json:"created_at"`
}

type row struct {
	ID               int64   `db:"id"`
	RequestID        string  `db:"request_id"`
	Query            string  `db:"query"`
	FromCache        bool    `db:"from_cache"`
	Degraded         bool    `db:"degraded"`
	CitationsJSON    string  `db:"citations_json"`
	ProcessingTimeMS float64 `db:"processing_time_ms"`
	CreatedAt        int64   `db:"created_at"`
}

// Log appends and lists query records.
type Log struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the SQLite database at dsn and creates the schema.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Log, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)
	l := NewWithDB(db, logger)
	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// NewWithDB wraps an existing handle. The schema is assumed to exist.
func NewWithDB(db *sqlx.DB, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{db: db, logger: logger}
}

func (l *Log) migrate(ctx context.Context) error {
	for _, stmt := range []string{schema, indexes} {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return nil
}

// Append writes one outcome to the log.
func (l *Log) Append(ctx context.Context, out rag.Outcome) error {
	cites := out.Response.Citations
	if cites == nil {
		cites = []domain.Citation{}
	}
	data, err := json.Marshal(cites)
	if err != nil {
		return fmt.Errorf("audit: encode citations: %w", err)
	}
	created := out.Response.Timestamp
	if created.IsZero() {
		created = time.Now()
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO query_log (request_id, query, from_cache, degraded, citations_json, processing_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		out.RequestID, out.Response.Query, out.Response.FromCache, out.Degraded,
		string(data), out.Response.ProcessingTimeMS, created.UnixMilli())
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Listener returns a rag.Listener that appends every outcome. Failures are
// logged and never reach the caller.
func (l *Log) Listener() rag.Listener {
	return func(ctx context.Context, out rag.Outcome) {
		if err := l.Append(ctx, out); err != nil {
			l.logger.Warn("query not audited", "request_id", out.RequestID, "err", err)
		}
	}
}

// Recent returns up to n records, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return []Record{}, nil
	}
	var rows []row
	err := l.db.SelectContext(ctx, &rows,
		`SELECT id, request_id, query, from_cache, degraded, citations_json, processing_time_ms, created_at
		 FROM query_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec := Record{
			ID:               r.ID,
			RequestID:        r.RequestID,
			Query:            r.Query,
			FromCache:        r.FromCache,
			Degraded:         r.Degraded,
			ProcessingTimeMS: r.ProcessingTimeMS,
			CreatedAt:        time.UnixMilli(r.CreatedAt).UTC(),
		}
		if err := json.Unmarshal([]byte(r.CitationsJSON), &rec.Citations); err != nil {
			l.logger.Warn("corrupt audit citations", "id", r.ID, "err", err)
			rec.Citations = []domain.Citation{}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the database.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
