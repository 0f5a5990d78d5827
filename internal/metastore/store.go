// Package metastore keeps document processing records in SQLite: upload
// metadata, pipeline status, and the quality flags each stage records.
// The status column doubles as the single-flight guard: claiming a document
// for processing is a compare-and-swap on it, so a second processing request
// for an in-flight document is rejected even across process restarts.
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	// ErrAlreadyProcessing means another pipeline run currently owns the
	// document; the caller should reject or queue, never run concurrently.
	ErrAlreadyProcessing = errors.New("document is already being processed")
)

// Status is a document's position in the ingestion pipeline.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExtracting Status = "extracting"
	StatusChunking   Status = "chunking"
	StatusIndexing   Status = "indexing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// claimable are the states a new pipeline run may take over from.
const claimable = "('pending', 'ready', 'failed')"

// staleClaimAfter is how long an in-flight document may go without a status
// update before a new run may reclaim it. Every pipeline stage bumps
// updated_at, so only a run that died mid-pipeline leaves a record this stale.
const staleClaimAfter = 15 * time.Minute

// Document is one uploaded PDF's metadata record.
type Document struct {
	ID             string
	SessionID      string
	Filename       string
	Language       string
	Pages          int
	Status         Status
	Degraded       bool
	OCRUsed        bool
	FailedPages    []int
	ParentCount    int
	ChildCount     int
	EmbeddingModel string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	filename        TEXT NOT NULL,
	language        TEXT NOT NULL DEFAULT '',
	pages           INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending',
	degraded        INTEGER NOT NULL DEFAULT 0,
	ocr_used        INTEGER NOT NULL DEFAULT 0,
	failed_pages    TEXT NOT NULL DEFAULT 'null',
	parent_count    INTEGER NOT NULL DEFAULT 0,
	child_count     INTEGER NOT NULL DEFAULT 0,
	embedding_model TEXT NOT NULL DEFAULT '',
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_session ON documents(session_id);
`

// Store is a SQLite-backed document metadata store.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the metadata database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "metadata.db")

	// WAL for concurrent readers during pipeline writes.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new document record in pending state.
func (s *Store) Create(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	doc.Status = StatusPending
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, session_id, filename, status, failed_pages, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'null', ?, ?)`,
		doc.ID, doc.SessionID, doc.Filename, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// Claim atomically takes ownership of a document for processing, moving it
// to extracting. It fails with ErrAlreadyProcessing when another run holds
// the document, unless that run's record has gone stale past staleClaimAfter,
// in which case the document is reclaimed.
func (s *Store) Claim(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, last_error = '', updated_at = ?
		WHERE id = ? AND (status IN `+claimable+` OR updated_at < ?)`,
		StatusExtracting, now, id, now.Add(-staleClaimAfter))
	if err != nil {
		return fmt.Errorf("claiming document: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claiming document: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// The CAS failed: distinguish a missing document from a busy one.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyProcessing
}

// SetStatus moves a document to the given pipeline stage.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	return s.update(ctx, id, `status = ?`, status)
}

// MarkFailed records a terminal failure with the stage and cause.
func (s *Store) MarkFailed(ctx context.Context, id, stage string, cause error) error {
	return s.update(ctx, id, `status = ?, last_error = ?`,
		StatusFailed, fmt.Sprintf("%s: %v", stage, cause))
}

// SetResult records the outcome of a successful pipeline run and moves the
// document to ready.
func (s *Store) SetResult(ctx context.Context, id string, doc *Document) error {
	failed, err := json.Marshal(doc.FailedPages)
	if err != nil {
		return fmt.Errorf("encoding failed pages: %w", err)
	}
	return s.update(ctx, id,
		`status = ?, language = ?, pages = ?, degraded = ?, ocr_used = ?, failed_pages = ?,
		 parent_count = ?, child_count = ?, embedding_model = ?`,
		StatusReady, doc.Language, doc.Pages, doc.Degraded, doc.OCRUsed, string(failed),
		doc.ParentCount, doc.ChildCount, doc.EmbeddingModel)
}

func (s *Store) update(ctx context.Context, id, set string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	if rows == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

const selectColumns = `id, session_id, filename, language, pages, status, degraded, ocr_used,
	failed_pages, parent_count, child_count, embedding_model, last_error, created_at, updated_at`

// Get returns one document by ID.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	return doc, err
}

// ListBySession returns all documents for a session, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM documents WHERE session_id = ? ORDER BY created_at DESC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Delete removes a document record.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if rows == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var doc Document
	var failedPages string
	err := row.Scan(&doc.ID, &doc.SessionID, &doc.Filename, &doc.Language,
		&doc.Pages, &doc.Status, &doc.Degraded, &doc.OCRUsed, &failedPages,
		&doc.ParentCount, &doc.ChildCount, &doc.EmbeddingModel,
		&doc.LastError, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(failedPages), &doc.FailedPages); err != nil {
		return nil, fmt.Errorf("decoding failed pages: %w", err)
	}
	return &doc, nil
}
