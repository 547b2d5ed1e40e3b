// Package docstore persists finished conversions: one row per document with
// its markdown/html renditions and enrichment output, plus ordered text
// chunks for downstream retrieval.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no document matches.
var ErrNotFound = errors.New("document not found")

// Document is one persisted conversion result.
type Document struct {
	ID        string         `json:"id"`
	FileID    string         `json:"file_id"`
	JobID     string         `json:"job_id"`
	Filename  string         `json:"filename"`
	Backend   string         `json:"backend"`
	Markdown  string         `json:"markdown,omitempty"`
	HTML      string         `json:"html,omitempty"`
	Links     []string       `json:"links,omitempty"`
	TOC       json.RawMessage `json:"toc,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Chunk is one ordered text slice of a document.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	WordCount  int       `json:"word_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps the documents database.
type Store struct {
	db *sql.DB
}

// New initializes the schema and returns the store.
func New(db *sql.DB) (*Store, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			document_id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			filename TEXT,
			backend TEXT,
			markdown TEXT,
			html TEXT,
			links TEXT,
			toc TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_file ON documents(file_id);
		CREATE INDEX IF NOT EXISTS idx_documents_job ON documents(job_id);

		CREATE TABLE IF NOT EXISTS chunks (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk_text TEXT NOT NULL,
			word_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (document_id) REFERENCES documents(document_id)
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init docstore schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save writes the document and its chunks in one transaction. The
// document's ID and CreatedAt are assigned here; chunk rows inherit them.
func (s *Store) Save(ctx context.Context, doc *Document, chunks []Chunk) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (document_id, file_id, job_id, filename, backend,
			markdown, html, links, toc, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.FileID, doc.JobID, doc.Filename, doc.Backend,
		doc.Markdown, doc.HTML, strings.Join(doc.Links, "\n"), string(doc.TOC),
		string(metadataJSON), doc.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.DocumentID = doc.ID
		c.CreatedAt = doc.CreatedAt
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (chunk_id, document_id, chunk_index, chunk_text, word_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, c.ID, c.DocumentID, c.Index, c.Text, c.WordCount, c.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}
	return tx.Commit()
}

// GetByFileID returns the most recent document for a source file.
func (s *Store) GetByFileID(ctx context.Context, fileID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_id, file_id, job_id, filename, backend,
			markdown, html, links, toc, metadata, created_at
		FROM documents WHERE file_id = ? ORDER BY created_at DESC LIMIT 1
	`, fileID)
	return scanDocument(row)
}

// Get returns a document by its own id.
func (s *Store) Get(ctx context.Context, documentID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_id, file_id, job_id, filename, backend,
			markdown, html, links, toc, metadata, created_at
		FROM documents WHERE document_id = ?
	`, documentID)
	return scanDocument(row)
}

func scanDocument(row *sql.Row) (*Document, error) {
	var (
		doc          Document
		links        string
		toc          string
		metadataJSON string
		createdAt    int64
	)
	err := row.Scan(&doc.ID, &doc.FileID, &doc.JobID, &doc.Filename, &doc.Backend,
		&doc.Markdown, &doc.HTML, &links, &toc, &metadataJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if links != "" {
		doc.Links = strings.Split(links, "\n")
	}
	if toc != "" {
		doc.TOC = json.RawMessage(toc)
	}
	if metadataJSON != "" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	doc.CreatedAt = time.Unix(createdAt, 0)
	return &doc, nil
}

// Chunks returns a document's chunks ordered by index.
func (s *Store) Chunks(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, chunk_index, chunk_text, word_count, created_at
		FROM chunks WHERE document_id = ? ORDER BY chunk_index ASC
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			c         Chunk
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Text, &c.WordCount, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(createdAt, 0)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunkMarkdown splits markdown into word-bounded chunks of at most
// maxWords words, ready for Save.
func ChunkMarkdown(markdown string, maxWords int) []Chunk {
	if maxWords <= 0 {
		maxWords = 400
	}
	words := strings.Fields(markdown)
	if len(words) == 0 {
		return nil
	}
	var chunks []Chunk
	for i := 0; i < len(words); i += maxWords {
		end := i + maxWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Text:      strings.Join(words[i:end], " "),
			WordCount: end - i,
		})
	}
	return chunks
}
