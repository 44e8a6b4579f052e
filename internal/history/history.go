// Package history provides SQLite-based persistence for analysis results.
// If opening the DB or executing queries fails, the store falls back to
// in-memory storage. Session state itself is never persisted.
package history

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/botrelay/internal/logger"
)

const schema = `CREATE TABLE IF NOT EXISTS analyses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    model TEXT,
    fragments INTEGER,
    analysis TEXT,
    created_at DATETIME
);
CREATE INDEX IF NOT EXISTS analyses_session ON analyses (session_id, id);`

// Store archives analysis records.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	records []Record // in-memory fallback
	nextID  int64
}

// Open opens (creating if needed) the SQLite database at path. An empty path
// or any open failure yields a memory-only store.
func Open(path string) *Store {
	s := &Store{}
	if path == "" {
		logger.L.Info("history path not set; using in-memory history")
		return s
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return s
	}
	if _, err = db.Exec(schema); err != nil {
		logger.L.Warn("sqlite table creation failed; using in-memory history", "error", err)
		_ = db.Close()
		return s
	}
	logger.L.Info("sqlite history DB initialized", "path", path)
	s.db = db
	return s
}

// Persistent reports whether records reach SQLite.
func (s *Store) Persistent() bool { return s.db != nil }

// Save archives rec and returns it with its assigned id. The record is kept
// in memory too, so List keeps working if the database later fails.
func (s *Store) Save(ctx context.Context, rec Record) (Record, error) {
	if s.db != nil {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO analyses (session_id, model, fragments, analysis, created_at) VALUES (?,?,?,?,?);`,
			rec.SessionID, rec.Model, rec.Fragments, string(rec.Analysis), rec.CreatedAt)
		if err != nil {
			logger.L.Error("failed to store analysis in sqlite; falling back to memory", "error", err)
		} else if id, err := res.LastInsertId(); err == nil {
			rec.ID = id
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == 0 {
		s.nextID++
		rec.ID = s.nextID
	} else if rec.ID > s.nextID {
		s.nextID = rec.ID
	}
	s.records = append(s.records, rec)
	return rec, nil
}

// List returns the records of a session, oldest first.
func (s *Store) List(ctx context.Context, sessionID string) ([]Record, error) {
	out := []Record{}
	if s.db != nil {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, session_id, model, fragments, analysis, created_at FROM analyses WHERE session_id = ? ORDER BY id ASC;`, sessionID)
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var (
					r        Record
					analysis string
				)
				if err := rows.Scan(&r.ID, &r.SessionID, &r.Model, &r.Fragments, &analysis, &r.CreatedAt); err != nil {
					return nil, err
				}
				r.Analysis = []byte(analysis)
				out = append(out, r)
			}
			return out, rows.Err()
		}
		logger.L.Warn("sqlite query failed; reading in-memory history", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
