// Package audit appends one row per mutating request to the ingest_audit
// table in PostgreSQL.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/postgres"
)

const schema = `CREATE TABLE IF NOT EXISTS ingest_audit (
	id          BIGSERIAL PRIMARY KEY,
	request_id  TEXT NOT NULL,
	route       TEXT NOT NULL,
	index_name  TEXT NOT NULL,
	index_type  TEXT,
	variant     TEXT,
	documents   INTEGER NOT NULL DEFAULT 0,
	failures    INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertEntry = `INSERT INTO ingest_audit
	(request_id, route, index_name, index_type, variant, documents, failures, status_code, duration_ms, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Entry describes the outcome of one mutating request.
type Entry struct {
	RequestID  string
	Route      string
	Index      string
	Type       string
	Variant    string
	Documents  int
	Failures   int
	StatusCode int
	Duration   time.Duration
	At         time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Recorder writes Entries to PostgreSQL.
type Recorder struct {
	db     execer
	logger *slog.Logger
}

// NewRecorder creates a Recorder on db.
func NewRecorder(db *postgres.Client) *Recorder {
	return newRecorder(db.DB)
}

func newRecorder(db execer) *Recorder {
	return &Recorder{
		db:     db,
		logger: slog.Default().With("component", "audit"),
	}
}

// EnsureSchema creates the audit table if it does not exist.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating ingest_audit table: %w", err)
	}
	return nil
}

// Record appends e to the ledger.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, insertEntry,
		e.RequestID, e.Route, e.Index, nullable(e.Type), nullable(e.Variant),
		e.Documents, e.Failures, e.StatusCode, e.Duration.Milliseconds(), e.At,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	r.logger.Debug("audit entry recorded", "request_id", e.RequestID, "route", e.Route)
	return nil
}

// nullable converts a Go string to a sql.NullString, treating the empty
// string as NULL.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
