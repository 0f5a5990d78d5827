// Package pipeline orchestrates document ingestion: extract, detect
// language, chunk, embed, index, with the document's status record tracking
// every transition. One pipeline run owns a document exclusively; the claim
// on the metadata store enforces that.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hieradoc/hieradoc/internal/chunker"
	"github.com/hieradoc/hieradoc/internal/extract"
	"github.com/hieradoc/hieradoc/internal/language"
	"github.com/hieradoc/hieradoc/internal/metastore"
	"github.com/hieradoc/hieradoc/internal/storage"
)

// Extractor turns a PDF into per-page text.
type Extractor interface {
	ExtractDocument(ctx context.Context, path string) (*extract.Result, error)
}

// Chunker builds the parent/child tree from extracted text.
type Chunker interface {
	Build(doc chunker.Document) *chunker.Tree
}

// Embedder computes embeddings for child chunk bodies.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Index is the vector store surface the pipeline writes to.
type Index interface {
	UpsertParents(ctx context.Context, parents []*storage.Parent) error
	UpsertChunks(ctx context.Context, chunks []*storage.Chunk) error
	DeleteDocument(ctx context.Context, docID string) error
	CountDocumentPoints(ctx context.Context, docID string) (uint64, error)
}

// MetaStore is the document record surface the pipeline drives.
type MetaStore interface {
	Claim(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status metastore.Status) error
	MarkFailed(ctx context.Context, id, stage string, cause error) error
	SetResult(ctx context.Context, id string, doc *metastore.Document) error
	Get(ctx context.Context, id string) (*metastore.Document, error)
	Delete(ctx context.Context, id string) error
}

// Result summarizes one ingestion run.
type Result struct {
	DocID       string
	Language    string
	Pages       int
	FailedPages []int
	Parents     int
	Children    int
	Degraded    bool
	OCRUsed     bool
	Duration    time.Duration
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	extractor Extractor
	chunker   Chunker
	embedder  Embedder
	index     Index
	meta      MetaStore
	logger    *slog.Logger
}

// New creates a pipeline with the given components.
func New(extractor Extractor, chunk Chunker, embedder Embedder, index Index, meta MetaStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		extractor: extractor,
		chunker:   chunk,
		embedder:  embedder,
		index:     index,
		meta:      meta,
		logger:    logger,
	}
}

// Process runs the full ingestion for one uploaded document. It claims the
// document first and rejects concurrent runs. Page-level extraction
// failures are recorded as flags and do not fail the document; the document
// fails only when extraction yields nothing at all or when indexing
// exhausts its retry budget.
//
// If ctx is cancelled (the document was deleted mid-flight), whatever index
// points this run wrote are removed afterwards under a fresh context,
// whether the write sequence finished or aborted partway. No point written
// by a cancelled run stays discoverable.
func (p *Pipeline) Process(ctx context.Context, docID, pdfPath string) (*Result, error) {
	start := time.Now()

	doc, err := p.meta.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if err := p.meta.Claim(ctx, docID); err != nil {
		return nil, err
	}
	p.logger.Info("processing document", "doc", docID, "file", doc.Filename)

	extracted, err := p.extractor.ExtractDocument(ctx, pdfPath)
	if err != nil {
		p.meta.MarkFailed(ctx, docID, "extract", err)
		if errors.Is(err, extract.ErrAllPagesFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("extract: %w", err)
	}

	if err := p.meta.SetStatus(ctx, docID, metastore.StatusChunking); err != nil {
		return nil, err
	}

	lang := language.Detect(extracted.Text())
	tree := p.chunker.Build(chunker.Document{
		ID:        docID,
		SessionID: doc.SessionID,
		Language:  lang,
		Pages:     pages(extracted),
	})
	p.logger.Info("chunked document", "doc", docID,
		"language", lang, "parents", len(tree.Parents), "children", len(tree.Children))

	if err := p.meta.SetStatus(ctx, docID, metastore.StatusIndexing); err != nil {
		return nil, err
	}

	if err := p.indexTree(ctx, docID, doc.SessionID, lang, tree); err != nil {
		// Cancellation mid-index means the document was deleted under us.
		// Batches that landed before the write aborted must not survive as
		// orphans, so clean up here too, not just on the success path.
		if ctx.Err() != nil {
			if cleanupErr := p.cleanupAfterCancel(docID); cleanupErr != nil {
				return nil, cleanupErr
			}
			return nil, ctx.Err()
		}
		p.meta.MarkFailed(ctx, docID, "index", err)
		return nil, fmt.Errorf("index: %w", err)
	}

	// Deleted while we were writing: clean up what we just wrote instead of
	// leaving a half-indexed ghost.
	if ctx.Err() != nil {
		if err := p.cleanupAfterCancel(docID); err != nil {
			return nil, err
		}
		return nil, ctx.Err()
	}

	result := &Result{
		DocID:       docID,
		Language:    lang,
		Pages:       len(extracted.Pages),
		FailedPages: extracted.FailedPages(),
		Parents:     len(tree.Parents),
		Children:    len(tree.Children),
		Degraded:    tree.Degraded || len(extracted.FailedPages()) > 0,
		OCRUsed:     extracted.OCRUsed,
		Duration:    time.Since(start),
	}

	err = p.meta.SetResult(ctx, docID, &metastore.Document{
		Language:       result.Language,
		Pages:          result.Pages,
		Degraded:       result.Degraded,
		OCRUsed:        result.OCRUsed,
		FailedPages:    result.FailedPages,
		ParentCount:    result.Parents,
		ChildCount:     result.Children,
		EmbeddingModel: p.embedder.Model(),
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("document ready", "doc", docID,
		"pages", result.Pages, "failed_pages", len(result.FailedPages),
		"degraded", result.Degraded, "duration", result.Duration)
	return result, nil
}

// cleanupAfterCancel removes whatever index points this run managed to write
// before its context was cancelled. It uses a fresh context because the
// pipeline's own context is already dead.
func (p *Pipeline) cleanupAfterCancel(docID string) error {
	p.logger.Warn("document deleted during processing, removing index entries", "doc", docID)
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.index.DeleteDocument(cleanupCtx, docID); err != nil {
		return fmt.Errorf("cleanup after cancellation: %w", err)
	}
	return nil
}

// indexTree embeds the children and upserts the whole tree. Deterministic
// chunk IDs make re-runs overwrite rather than duplicate.
func (p *Pipeline) indexTree(ctx context.Context, docID, sessionID, lang string, tree *chunker.Tree) error {
	texts := make([]string, len(tree.Children))
	for i, child := range tree.Children {
		texts[i] = child.Text
	}

	embeddings, err := p.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}

	model := p.embedder.Model()

	parents := make([]*storage.Parent, len(tree.Parents))
	for i, parent := range tree.Parents {
		parents[i] = &storage.Parent{
			ID:             parent.ID,
			DocID:          docID,
			SessionID:      sessionID,
			Ordinal:        parent.Ordinal,
			Content:        parent.Text,
			PageStart:      parent.PageStart,
			PageEnd:        parent.PageEnd,
			Language:       lang,
			EmbeddingModel: model,
			Truncated:      parent.Truncated,
		}
	}
	if err := p.index.UpsertParents(ctx, parents); err != nil {
		return fmt.Errorf("store parents: %w", err)
	}

	chunks := make([]*storage.Chunk, len(tree.Children))
	for i, child := range tree.Children {
		chunks[i] = &storage.Chunk{
			ID:             child.ID,
			ParentID:       child.ParentID,
			DocID:          docID,
			SessionID:      sessionID,
			Ordinal:        child.Ordinal,
			ParentOrdinal:  child.ParentOrdinal,
			Content:        child.Text,
			EmbeddingModel: model,
			Embedding:      embeddings[i],
		}
	}
	if err := p.index.UpsertChunks(ctx, chunks); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	return nil
}

// Delete removes a document's index entries and then its metadata record.
// Index first: if the index delete fails the record stays visible and the
// delete can be retried, never the other way around.
func (p *Pipeline) Delete(ctx context.Context, docID string) error {
	if err := p.index.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if remaining, err := p.index.CountDocumentPoints(ctx, docID); err == nil && remaining > 0 {
		p.logger.Warn("points remain after delete", "doc", docID, "count", remaining)
	}
	if err := p.meta.Delete(ctx, docID); err != nil && !errors.Is(err, metastore.ErrDocumentNotFound) {
		return err
	}
	return nil
}

func pages(result *extract.Result) []chunker.Page {
	out := make([]chunker.Page, len(result.Pages))
	for i, p := range result.Pages {
		out[i] = chunker.Page{Number: p.Number, Text: p.Text}
	}
	return out
}
