package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	statements := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			fields TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (kind, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_kind_run ON records(kind, run_id)`,
	}
	for _, statement := range statements {
		if _, execErr := db.Exec(statement); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize store schema: %w", execErr)
		}
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Put(ctx context.Context, record Record) error {
	if err := record.validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("encode fields for %s %s: %w", record.Kind, record.ID, err)
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (kind, id, run_id, status, fields, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind, id) DO UPDATE SET
		   run_id = excluded.run_id,
		   status = excluded.status,
		   fields = excluded.fields,
		   updated_at = excluded.updated_at`,
		string(record.Kind), record.ID, record.RunID, string(record.Status), string(encoded), now, now,
	)
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, kind Kind, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT kind, id, run_id, status, fields, created_at, updated_at FROM records WHERE kind = ? AND id = ?`,
		string(kind), id,
	)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return Record{}, unavailable("get", err)
	}
	return record, nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, kind Kind, id string, status Status, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin update", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT kind, id, run_id, status, fields, created_at, updated_at FROM records WHERE kind = ? AND id = ?`,
		string(kind), id,
	)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return unavailable("read for update", err)
	}
	if err := CheckTransition(kind, record.Status, status); err != nil {
		return err
	}
	encoded, err := json.Marshal(mergeFields(record.Fields, fields))
	if err != nil {
		return fmt.Errorf("encode fields for %s %s: %w", kind, id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET status = ?, fields = ?, updated_at = ? WHERE kind = ? AND id = ?`,
		string(status), string(encoded), s.now().UTC(), string(kind), id,
	); err != nil {
		return unavailable("update status", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit update", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, kind Kind, runID string) ([]Record, error) {
	query := `SELECT kind, id, run_id, status, fields, created_at, updated_at FROM records WHERE kind = ?`
	arguments := []any{string(kind)}
	if runID != "" {
		query += ` AND run_id = ?`
		arguments = append(arguments, runID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY seq`, arguments...)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		record, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, unavailable("scan", scanErr)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var record Record
	var kind, status, fields string
	if err := row.Scan(&kind, &record.ID, &record.RunID, &status, &fields, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return Record{}, err
	}
	record.Kind = Kind(kind)
	record.Status = Status(status)
	if err := json.Unmarshal([]byte(fields), &record.Fields); err != nil {
		return Record{}, fmt.Errorf("decode fields: %w", err)
	}
	return record, nil
}
