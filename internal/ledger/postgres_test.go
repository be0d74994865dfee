package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRows implements pgx.Rows over an in-memory row set.
type fakeRows struct {
	rows [][3]string
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	*(dest[0].(*string)) = row[0]
	*(dest[1].(*string)) = row[1]
	*(dest[2].(*string)) = row[2]
	return nil
}

// fakeDB implements DB, recording inserts and serving canned rows.
type fakeDB struct {
	rows     [][3]string
	inserted [][]any
	execErr  error
	failAt   int // fail the Nth insert (1-based); 0 disables
}

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if d.execErr != nil {
		return pgconn.CommandTag{}, d.execErr
	}
	if len(args) > 0 {
		if d.failAt > 0 && len(d.inserted)+1 == d.failAt {
			return pgconn.CommandTag{}, errors.New("connection reset")
		}
		d.inserted = append(d.inserted, args)
	}
	return pgconn.CommandTag{}, nil
}

func (d *fakeDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return &fakeRows{rows: d.rows}, nil
}

func TestPostgresStore_Load(t *testing.T) {
	db := &fakeDB{rows: [][3]string{
		{"f1", "r1", "2026-8-20"},
		{"f1", "r2", "2026-8-21"},
		{"f2", "r1", "2026-8-19"},
	}}
	store := NewPostgresStore(db, nil)

	l, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, l.IsDelivered("f1", "r1"))
	assert.True(t, l.IsDelivered("f2", "r1"))
	assert.Equal(t, 2, l.Count("f1"))
	assert.False(t, l.Dirty(), "loaded entries must not be pending")
}

func TestPostgresStore_CommitInsertsPendingOnly(t *testing.T) {
	db := &fakeDB{}
	store := NewPostgresStore(db, nil)

	l := New()
	l.MarkDelivered("f1", Entry{RecordID: "r1", SubmittedDate: "2026-8-20"})
	l.MarkDelivered("f1", Entry{RecordID: "r2", SubmittedDate: "2026-8-21"})

	require.NoError(t, store.Commit(context.Background(), l))
	assert.Len(t, db.inserted, 2)
	assert.False(t, l.Dirty())

	// A second commit with nothing new inserts nothing.
	require.NoError(t, store.Commit(context.Background(), l))
	assert.Len(t, db.inserted, 2)
}

func TestPostgresStore_FailedCommitKeepsMarksPending(t *testing.T) {
	db := &fakeDB{failAt: 2}
	store := NewPostgresStore(db, nil)

	l := New()
	l.MarkDelivered("f1", Entry{RecordID: "r1", SubmittedDate: "2026-8-20"})
	l.MarkDelivered("f1", Entry{RecordID: "r2", SubmittedDate: "2026-8-21"})

	err := store.Commit(context.Background(), l)
	require.Error(t, err)
	assert.True(t, l.Dirty(), "failed commit must leave the ledger dirty")
	assert.Len(t, l.PendingMarks(), 2, "all marks stay pending for replay")

	// Replay succeeds once the database recovers; duplicate inserts are
	// absorbed by ON CONFLICT.
	db.failAt = 0
	require.NoError(t, store.Commit(context.Background(), l))
	assert.False(t, l.Dirty())
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	store := NewPostgresStore(db, nil)
	require.NoError(t, store.EnsureSchema(context.Background()))

	db.execErr = errors.New("permission denied")
	require.Error(t, store.EnsureSchema(context.Background()))
}
