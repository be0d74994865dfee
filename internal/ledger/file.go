package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"formrelay/internal/types"
)

// FileStore persists the ledger as a JSON object keyed by source ID, each
// value an array of delivered-record entries. It is the default backend.
//
// Recovery rules:
//   - Missing file: start empty and immediately persist an empty ledger.
//   - Unparseable file: quarantine the corrupt bytes as a gzip backup next
//     to the ledger, log a warning, and start empty. Corruption is never
//     fatal; the cost is that delivery history is forgotten and the next
//     pass re-delivers everything the sources still return.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore creates a FileStore writing to path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// Path returns the ledger file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the ledger file, self-healing a missing or corrupt file to an
// empty persisted ledger. It only returns an error when the file exists but
// cannot be read at all (permissions, I/O).
func (s *FileStore) Load(ctx context.Context) (*Ledger, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.InfoContext(ctx, "ledger file missing, starting empty", "path", s.path)
		l := New()
		if err := s.write(l.Snapshot()); err != nil {
			return nil, err
		}
		return l, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeLedgerPersist, "reading ledger file", err)
	}

	var snap map[string][]Entry
	if err := json.Unmarshal(raw, &snap); err != nil {
		backup := s.quarantine(raw)
		s.logger.WarnContext(ctx, "ledger file corrupt, resetting to empty",
			"path", s.path,
			"backup", backup,
			"error", err,
		)
		l := New()
		if err := s.write(l.Snapshot()); err != nil {
			return nil, err
		}
		return l, nil
	}

	return fromSnapshot(snap), nil
}

// Commit serializes the full ledger and writes it atomically (temp file then
// rename). On success the ledger is marked clean.
func (s *FileStore) Commit(_ context.Context, l *Ledger) error {
	if err := s.write(l.Snapshot()); err != nil {
		return err
	}
	l.markClean()
	return nil
}

func (s *FileStore) write(snap map[string][]Entry) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return types.NewAppError(types.ErrCodeLedgerPersist, "encoding ledger", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return types.NewAppError(types.ErrCodeLedgerPersist, "writing ledger temp file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return types.NewAppError(types.ErrCodeLedgerPersist, "replacing ledger file", err)
	}
	return nil
}

// quarantine saves the corrupt ledger bytes as a timestamped gzip backup so
// an operator can inspect or restore them. Returns the backup path, or ""
// if the backup itself failed (the reset proceeds regardless).
func (s *FileStore) quarantine(raw []byte) string {
	name := fmt.Sprintf("%s.corrupt-%s.json.gz",
		filepath.Base(s.path), time.Now().UTC().Format("20060102T150405"))
	backup := filepath.Join(filepath.Dir(s.path), name)

	f, err := os.Create(backup)
	if err != nil {
		s.logger.Warn("failed to create ledger backup", "path", backup, "error", err)
		return ""
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	if _, err := zw.Write(raw); err != nil {
		s.logger.Warn("failed to write ledger backup", "path", backup, "error", err)
		zw.Close()
		return ""
	}
	if err := zw.Close(); err != nil {
		s.logger.Warn("failed to finalize ledger backup", "path", backup, "error", err)
		return ""
	}
	return backup
}
