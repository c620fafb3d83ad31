package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/liliang-cn/semroute/internal/encoding"
	"github.com/liliang-cn/semroute/pkg/encoder"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite is a persistent index. Rows are the source of truth; an in-memory
// hybrid mirror rebuilt at Open serves all queries, and every mutation is
// committed to sqlite before the mirror is touched, so a failed transaction
// leaves no partial state behind.
type SQLite struct {
	mu     sync.Mutex // serializes mutations and Close
	db     *sql.DB
	mem    *Memory
	seq    int64
	closed bool
}

// OpenSQLite opens (creating if needed) a persistent index at path and loads
// all stored entries into memory, in original insertion order.
func OpenSQLite(ctx context.Context, path string, opts ...MemoryOption) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("index path cannot be empty")
	}

	// WAL keeps concurrent readers cheap; busy_timeout avoids immediate
	// lock failures under contention.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}

	s := &SQLite{db: db, mem: NewHybrid(opts...)}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS entries (
			id        TEXT PRIMARY KEY,
			route     TEXT NOT NULL,
			utterance TEXT NOT NULL,
			vector    BLOB NOT NULL,
			sparse    TEXT,
			seq       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_route ON entries(route);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating index schema: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, route, utterance, vector, sparse, seq FROM entries ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("loading index entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id, route, utterance string
			vectorBytes          []byte
			sparseJSON           sql.NullString
			seq                  int64
		)
		if err := rows.Scan(&id, &route, &utterance, &vectorBytes, &sparseJSON, &seq); err != nil {
			return fmt.Errorf("scanning index entry: %w", err)
		}

		vector, err := encoding.DecodeVector(vectorBytes)
		if err != nil {
			return fmt.Errorf("decoding vector for entry %s: %w", id, err)
		}

		var sparse []encoder.SparseVector
		if sparseJSON.Valid && sparseJSON.String != "" {
			var sv encoder.SparseVector
			if err := json.Unmarshal([]byte(sparseJSON.String), &sv); err != nil {
				return fmt.Errorf("decoding sparse vector for entry %s: %w", id, err)
			}
			sparse = []encoder.SparseVector{sv}
		}

		if err := s.mem.Insert(route, []string{utterance}, [][]float32{vector}, sparse); err != nil {
			return fmt.Errorf("rebuilding entry %s: %w", id, err)
		}
		if seq > s.seq {
			s.seq = seq
		}
	}
	return rows.Err()
}

// Insert persists entries and then mirrors them in memory. Index-mutation
// errors are surfaced synchronously; there are no silent partial writes.
func (s *SQLite) Insert(route string, utterances []string, dense [][]float32, sparse []encoder.SparseVector) error {
	if err := validateInsert(route, utterances, dense, sparse); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	// Validate dimensions against the mirror before writing anything.
	s.mem.mu.RLock()
	err := s.mem.checkDims(dense)
	s.mem.mu.RUnlock()
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertRows(tx, route, utterances, dense, sparse); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert: %w", err)
	}
	return s.mem.Insert(route, utterances, dense, sparse)
}

// Replace deletes and reinserts a route's entries in one transaction, so a
// failure or a crash mid-update never leaves the route half-mutated on disk.
func (s *SQLite) Replace(route string, utterances []string, dense [][]float32, sparse []encoder.SparseVector) error {
	if err := validateInsert(route, utterances, dense, sparse); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.mem.mu.RLock()
	err := s.mem.checkDims(dense)
	s.mem.mu.RUnlock()
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM entries WHERE route = ?`, route); err != nil {
		return fmt.Errorf("deleting route %q: %w", route, err)
	}
	if err := s.insertRows(tx, route, utterances, dense, sparse); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing replace: %w", err)
	}
	return s.mem.Replace(route, utterances, dense, sparse)
}

// insertRows writes one row per utterance inside the caller's transaction.
// Vectors with NaN or Inf components are rejected before anything is staged.
func (s *SQLite) insertRows(tx *sql.Tx, route string, utterances []string, dense [][]float32, sparse []encoder.SparseVector) error {
	stmt, err := tx.Prepare(
		`INSERT INTO entries (id, route, utterance, vector, sparse, seq) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, utterance := range utterances {
		if err := encoding.ValidateVector(dense[i]); err != nil {
			return fmt.Errorf("vector for %q: %w", utterance, err)
		}
		vectorBytes, err := encoding.EncodeVector(dense[i])
		if err != nil {
			return fmt.Errorf("encoding vector for %q: %w", utterance, err)
		}

		var sparseJSON any
		if sparse != nil && len(sparse[i]) > 0 {
			data, err := json.Marshal(sparse[i])
			if err != nil {
				return fmt.Errorf("encoding sparse vector for %q: %w", utterance, err)
			}
			sparseJSON = string(data)
		}

		s.seq++
		if _, err := stmt.Exec(uuid.NewString(), route, utterance, vectorBytes, sparseJSON, s.seq); err != nil {
			return fmt.Errorf("inserting entry for %q: %w", utterance, err)
		}
	}
	return nil
}

// Delete removes all persisted and mirrored entries for the route.
func (s *SQLite) Delete(route string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.Exec(`DELETE FROM entries WHERE route = ?`, route); err != nil {
		return fmt.Errorf("deleting route %q: %w", route, err)
	}
	return s.mem.Delete(route)
}

// Search queries the in-memory mirror.
func (s *SQLite) Search(q Query) ([]Hit, error) {
	return s.mem.Search(q)
}

// Len returns the number of stored entries.
func (s *SQLite) Len() int { return s.mem.Len() }

// Routes returns the entry count per route.
func (s *SQLite) Routes() map[string]int { return s.mem.Routes() }

// Entries returns a copy of all stored entries in insertion order.
func (s *SQLite) Entries() []Entry { return s.mem.Entries() }

// Close releases the database handle. The index is unusable afterwards.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
