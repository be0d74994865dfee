package ledger

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"formrelay/internal/types"
)

// DB is the subset of pgxpool.Pool the PostgresStore needs, extracted so
// tests can substitute a fake.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ DB = (*pgxpool.Pool)(nil)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS delivered_records (
    source_id      TEXT NOT NULL,
    record_id      TEXT NOT NULL,
    submitted_date TEXT NOT NULL,
    delivered_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (source_id, record_id)
)`

const insertMarkSQL = `
INSERT INTO delivered_records (source_id, record_id, submitted_date)
VALUES ($1, $2, $3)
ON CONFLICT (source_id, record_id) DO NOTHING`

const selectAllSQL = `
SELECT source_id, record_id, submitted_date FROM delivered_records`

// PostgresStore is the alternative ledger backend for deployments that want
// the delivery history in a database rather than a local file. Commits are
// incremental: only marks accumulated since the last successful commit are
// inserted, and inserts are idempotent, so a failed commit is safely
// replayed in full on the next one.
type PostgresStore struct {
	db     DB
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore on an established pool.
func NewPostgresStore(db DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// EnsureSchema creates the delivered_records table if needed. Called once
// at startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return types.NewAppError(types.ErrCodeLedgerPersist, "creating ledger table", err)
	}
	return nil
}

// Load reads all delivered records into an in-memory ledger.
func (s *PostgresStore) Load(ctx context.Context) (*Ledger, error) {
	rows, err := s.db.Query(ctx, selectAllSQL)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeLedgerPersist, "querying ledger", err)
	}
	defer rows.Close()

	l := New()
	for rows.Next() {
		var sourceID string
		var e Entry
		if err := rows.Scan(&sourceID, &e.RecordID, &e.SubmittedDate); err != nil {
			return nil, types.NewAppError(types.ErrCodeLedgerPersist, "scanning ledger row", err)
		}
		l.MarkDelivered(sourceID, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeLedgerPersist, "iterating ledger rows", err)
	}

	l.markClean()
	return l, nil
}

// Commit inserts the pending marks. The ledger is marked clean only when
// every pending mark landed; a partial failure leaves all marks pending for
// the next commit, which the ON CONFLICT clause makes harmless.
func (s *PostgresStore) Commit(ctx context.Context, l *Ledger) error {
	for _, mark := range l.PendingMarks() {
		_, err := s.db.Exec(ctx, insertMarkSQL,
			mark.SourceID, mark.Entry.RecordID, mark.Entry.SubmittedDate)
		if err != nil {
			return types.NewAppError(types.ErrCodeLedgerPersist, "inserting ledger mark", err)
		}
	}
	l.markClean()
	return nil
}
