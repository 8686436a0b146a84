package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	_ "modernc.org/sqlite"
)

// SQLiteIndex persists the corpus in a SQLite database so it survives
// restarts. Similarity is computed in process over all rows.
type SQLiteIndex struct {
	db *sql.DB
}

func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open retrieval index: %w", err)
	}
	db.SetMaxOpenConns(1)
	statements := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		`CREATE TABLE IF NOT EXISTS documents (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			source TEXT NOT NULL,
			embedding BLOB NOT NULL
		)`,
	}
	for _, statement := range statements {
		if _, execErr := db.Exec(statement); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize retrieval index: %w", execErr)
		}
	}
	return &SQLiteIndex{db: db}, nil
}

func (s *SQLiteIndex) Close() error { return s.db.Close() }

func (s *SQLiteIndex) Index(ctx context.Context, document Document, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, content, source, embedding) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content, source = excluded.source, embedding = excluded.embedding`,
		document.ID, document.Content, document.Source, encodeEmbedding(embedding),
	)
	if err != nil {
		return fmt.Errorf("index document %s: %w", document.ID, err)
	}
	return nil
}

func (s *SQLiteIndex) Search(ctx context.Context, embedding []float32, k int) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, source, embedding FROM documents ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var document Document
		var blob []byte
		if scanErr := rows.Scan(&document.ID, &document.Content, &document.Source, &blob); scanErr != nil {
			return nil, fmt.Errorf("scan document: %w", scanErr)
		}
		stored, decodeErr := decodeEmbedding(blob)
		if decodeErr != nil {
			return nil, fmt.Errorf("document %s: %w", document.ID, decodeErr)
		}
		hits = append(hits, Hit{Document: document, Score: Cosine(embedding, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	return rank(hits, k), nil
}

func (s *SQLiteIndex) Len(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

func encodeEmbedding(embedding []float32) []byte {
	blob := make([]byte, 4*len(embedding))
	for index, value := range embedding {
		binary.LittleEndian.PutUint32(blob[4*index:], math.Float32bits(value))
	}
	return blob
}

func decodeEmbedding(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, errors.New("corrupt embedding blob")
	}
	embedding := make([]float32, len(blob)/4)
	for index := range embedding {
		embedding[index] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*index:]))
	}
	return embedding, nil
}
