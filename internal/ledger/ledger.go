// Package ledger persists, per source, the set of response identifiers that
// have already been delivered. The ledger is the sole source of truth for
// "already delivered": a record is added only after its delivery was
// confirmed, and the reconciler commits the ledger before the next pass
// reads it. A crash between delivery and commit therefore surfaces as a
// rare duplicate delivery, never as a silently dropped response.
package ledger

import (
	"context"
	"sort"
)

// Entry is one delivered record, as stored per source.
type Entry struct {
	RecordID      string `json:"record_id"`
	SubmittedDate string `json:"submitted_date"`
}

// Mark pairs an entry with its source, for incremental backends.
type Mark struct {
	SourceID string
	Entry    Entry
}

// Store loads and durably commits ledgers.
type Store interface {
	// Load reads persisted state. Implementations never fail on missing or
	// corrupt state; they recover to an empty ledger instead.
	Load(ctx context.Context) (*Ledger, error)

	// Commit durably writes the ledger and, on success, clears its dirty
	// state. On failure the in-memory ledger stays ahead of the durable
	// copy; the caller logs and relies on the next commit to catch up.
	Commit(ctx context.Context, l *Ledger) error
}

// Ledger is the in-memory delivery ledger. It is owned exclusively by the
// reconciliation pass in flight (passes are serialized), so it carries no
// internal locking.
type Ledger struct {
	delivered map[string]map[string]Entry // sourceID -> recordID -> entry
	pending   []Mark                      // marks since the last successful commit
	dirty     bool
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{delivered: make(map[string]map[string]Entry)}
}

// IsDelivered reports whether a record has already been delivered.
func (l *Ledger) IsDelivered(sourceID, recordID string) bool {
	_, ok := l.delivered[sourceID][recordID]
	return ok
}

// MarkDelivered records a confirmed delivery in memory only. Callers must
// Commit through a Store to persist. Marking an already-delivered record is
// a no-op.
func (l *Ledger) MarkDelivered(sourceID string, e Entry) {
	if l.IsDelivered(sourceID, e.RecordID) {
		return
	}
	if l.delivered[sourceID] == nil {
		l.delivered[sourceID] = make(map[string]Entry)
	}
	l.delivered[sourceID][e.RecordID] = e
	l.pending = append(l.pending, Mark{SourceID: sourceID, Entry: e})
	l.dirty = true
}

// Dirty reports whether the ledger has marks not yet durably committed.
func (l *Ledger) Dirty() bool {
	return l.dirty
}

// Count returns the number of delivered records for a source.
func (l *Ledger) Count(sourceID string) int {
	return len(l.delivered[sourceID])
}

// PendingMarks returns the marks accumulated since the last successful
// commit, in mark order. Used by incremental backends.
func (l *Ledger) PendingMarks() []Mark {
	out := make([]Mark, len(l.pending))
	copy(out, l.pending)
	return out
}

// Snapshot returns the full ledger as sourceID -> entries, each source's
// entries sorted by record ID so serialized output is stable.
func (l *Ledger) Snapshot() map[string][]Entry {
	snap := make(map[string][]Entry, len(l.delivered))
	for sourceID, records := range l.delivered {
		entries := make([]Entry, 0, len(records))
		for _, e := range records {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].RecordID < entries[j].RecordID
		})
		snap[sourceID] = entries
	}
	return snap
}

// markClean is called by stores after a successful commit.
func (l *Ledger) markClean() {
	l.pending = nil
	l.dirty = false
}

// fromSnapshot rebuilds a ledger from persisted state. The result starts
// clean: loaded entries are not pending.
func fromSnapshot(snap map[string][]Entry) *Ledger {
	l := New()
	for sourceID, entries := range snap {
		for _, e := range entries {
			if l.delivered[sourceID] == nil {
				l.delivered[sourceID] = make(map[string]Entry)
			}
			l.delivered[sourceID][e.RecordID] = e
		}
	}
	return l
}
