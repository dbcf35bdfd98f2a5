package report

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

const createRuns = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	skipped INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	body TEXT NOT NULL
)`

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const createRunsKey = `CREATE INDEX IF NOT EXISTS runs_key ON runs(key)`

// SQLStore keeps records in a SQLite database so a ledger survives across
// output directories.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if needed) the database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	for _, stmt := range []string{createRuns, createRunsKey} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating ledger schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Save inserts or replaces a record.
func (s *SQLStore) Save(rec *RunRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling record %s: %w", rec.ID, err)
	}
	var finished sql.NullString
	if !rec.Finished.IsZero() {
		finished = sql.NullString{String: rec.Finished.UTC().Format(timeLayout), Valid: true}
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO runs (id, kind, key, started_at, finished_at, skipped, error, body) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.Key, rec.Started.UTC().Format(timeLayout), finished, rec.Skipped, rec.Err, string(body),
	)
	if err != nil {
		return fmt.Errorf("saving record %s: %w", rec.ID, err)
	}
	return nil
}

// Load reads one record.
func (s *SQLStore) Load(id string) (*RunRecord, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM runs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", id, err)
	}
	return decode(id, body)
}

// List returns every record, newest first.
func (s *SQLStore) List() ([]*RunRecord, error) {
	rows, err := s.db.Query(`SELECT id, body FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		rec, err := decode(id, body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decode(id, body string) (*RunRecord, error) {
	var rec RunRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("unmarshalling record %s: %w", id, err)
	}
	return &rec, nil
}
