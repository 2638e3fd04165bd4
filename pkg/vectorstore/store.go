// Package vectorstore is a small SQLite-backed document store with embedding
// search. Documents are embedded on ingest and queries are answered by cosine
// similarity over the stored vectors.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/vespo92/boonerd/pkg/llm"
)

// embedConcurrency bounds parallel embedding calls during batch ingest.
const embedConcurrency = 4

// Document is one stored knowledge entry.
type Document struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Match is a query hit with its similarity score in [-1, 1].
type Match struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// Store persists documents and their embedding vectors.
type Store struct {
	db       *sql.DB
	embedder llm.Embedder
}

// New opens (or creates) the store at path.
func New(path string, embedder llm.Embedder) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id         TEXT PRIMARY KEY,
			text       TEXT NOT NULL,
			metadata   TEXT,
			embedding  TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, embedder: embedder}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add embeds and stores one document, returning its assigned ID.
func (s *Store) Add(ctx context.Context, text string, metadata map[string]any) (string, error) {
	ids, err := s.AddBatch(ctx, []string{text}, []map[string]any{metadata})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddBatch embeds and stores several documents. Embedding runs concurrently;
// a single failure aborts the whole batch and nothing is stored.
func (s *Store) AddBatch(ctx context.Context, texts []string, metadata []map[string]any) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if metadata != nil && len(metadata) != len(texts) {
		return nil, fmt.Errorf("metadata length %d does not match texts length %d", len(metadata), len(texts))
	}

	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := s.embedder.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("failed to embed document %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, len(texts))
	now := time.Now()
	for i, text := range texts {
		id := uuid.New().String()
		ids[i] = id

		var meta []byte
		if metadata != nil && metadata[i] != nil {
			meta, err = json.Marshal(metadata[i])
			if err != nil {
				return nil, fmt.Errorf("failed to encode metadata: %w", err)
			}
		}
		emb, err := json.Marshal(vectors[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode embedding: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, text, metadata, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, text, nullable(meta), string(emb), now,
		); err != nil {
			return nil, fmt.Errorf("failed to insert document: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return ids, nil
}

// Query embeds the query text and returns the topK most similar documents,
// highest score first.
func (s *Store) Query(ctx context.Context, query string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, metadata, embedding, created_at FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan documents: %w", err)
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var (
			doc  Document
			meta sql.NullString
			emb  string
		)
		if err := rows.Scan(&doc.ID, &doc.Text, &meta, &emb, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &doc.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		var vec []float32
		if err := json.Unmarshal([]byte(emb), &vec); err != nil {
			return nil, fmt.Errorf("failed to decode embedding: %w", err)
		}
		matches = append(matches, Match{Document: doc, Score: cosineSimilarity(qvec, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// cosineSimilarity returns 0 for mismatched or zero-length vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
