package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hieradoc/hieradoc/internal/compose"
	"github.com/hieradoc/hieradoc/internal/metastore"
	"github.com/hieradoc/hieradoc/internal/pipeline"
	"github.com/hieradoc/hieradoc/internal/retrieve"
	"github.com/hieradoc/hieradoc/internal/storage"
)

const maxUploadSize = 50 << 20

// Ingestor runs and tears down document processing.
type Ingestor interface {
	Process(ctx context.Context, docID, pdfPath string) (*pipeline.Result, error)
	Delete(ctx context.Context, docID string) error
}

// Retriever finds parent passages for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, scope storage.Scope, k int) ([]*retrieve.Result, error)
}

// Composer generates an answer from retrieved passages.
type Composer interface {
	Compose(ctx context.Context, question string, history []compose.Message, results []*retrieve.Result) (*compose.Answer, error)
}

// DocumentStore is the metadata surface the handlers read.
type DocumentStore interface {
	Create(ctx context.Context, doc *metastore.Document) error
	Get(ctx context.Context, id string) (*metastore.Document, error)
	ListBySession(ctx context.Context, sessionID string) ([]*metastore.Document, error)
}

// Handlers carries the HTTP handler dependencies.
type Handlers struct {
	ingestor  Ingestor
	retriever Retriever
	composer  Composer
	meta      DocumentStore
	uploadDir string
	topK      int
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewHandlers creates the handler set. topK is the default result count for
// queries that do not specify one.
func NewHandlers(ingestor Ingestor, retriever Retriever, composer Composer, meta DocumentStore, uploadDir string, topK int, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		ingestor:  ingestor,
		retriever: retriever,
		composer:  composer,
		meta:      meta,
		uploadDir: uploadDir,
		topK:      topK,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type documentResponse struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	Filename       string `json:"filename"`
	Status         string `json:"status"`
	Language       string `json:"language,omitempty"`
	Pages          int    `json:"pages,omitempty"`
	Degraded       bool   `json:"degraded"`
	OCRUsed        bool   `json:"ocr_used"`
	FailedPages    []int  `json:"failed_pages,omitempty"`
	ParentCount    int    `json:"parent_count,omitempty"`
	ChildCount     int    `json:"child_count,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type queryRequest struct {
	SessionID string            `json:"session_id"`
	DocID     string            `json:"doc_id,omitempty"`
	Question  string            `json:"question"`
	History   []compose.Message `json:"history,omitempty"`
	TopK      int               `json:"top_k,omitempty"`
}

type queryResponse struct {
	Answer    string             `json:"answer"`
	Citations []compose.Citation `json:"citations"`
}

// HandleUpload accepts a multipart PDF upload, records it, and starts
// processing in the background. Responds 202 with the pending document.
func (h *Handlers) HandleUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid or missing file", "")
			return
		}
		defer file.Close()

		sessionID := r.FormValue("session_id")
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, "session_id is required", "")
			return
		}
		if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
			writeError(w, http.StatusBadRequest, "only PDF files are accepted", "")
			return
		}

		docID := uuid.NewString()
		path, err := h.saveUpload(file, header.Filename, docID)
		if err != nil {
			h.logger.Error("saving upload failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to store upload", "")
			return
		}

		doc := &metastore.Document{
			ID:        docID,
			SessionID: sessionID,
			Filename:  filepath.Base(header.Filename),
		}
		if err := h.meta.Create(r.Context(), doc); err != nil {
			os.Remove(path)
			h.logger.Error("creating document record failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to register document", "")
			return
		}

		h.startProcessing(docID, path)
		writeJSON(w, http.StatusAccepted, toDocumentResponse(doc))
	}
}

// startProcessing launches the pipeline for docID in the background and
// registers a cancel hook so a delete can stop it mid-flight.
func (h *Handlers) startProcessing(docID, path string) {
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.running[docID] = cancel
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.running, docID)
			h.mu.Unlock()
			cancel()
			os.Remove(path)
		}()
		if _, err := h.ingestor.Process(ctx, docID, path); err != nil {
			h.logger.Error("document processing failed", "doc", docID, "error", err)
		}
	}()
}

func (h *Handlers) saveUpload(src io.Reader, filename, docID string) (string, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(h.uploadDir, fmt.Sprintf("%s_%d.pdf", docID, time.Now().UnixNano()))
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// HandleGetDocument returns one document's status and stats.
func (h *Handlers) HandleGetDocument() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := h.meta.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, metastore.ErrDocumentNotFound) {
				writeError(w, http.StatusNotFound, "document not found", "")
				return
			}
			h.logger.Error("fetching document failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to fetch document", "")
			return
		}
		writeJSON(w, http.StatusOK, toDocumentResponse(doc))
	}
}

// HandleListDocuments returns all documents in a session.
func (h *Handlers) HandleListDocuments() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, "session query parameter is required", "")
			return
		}
		docs, err := h.meta.ListBySession(r.Context(), sessionID)
		if err != nil {
			h.logger.Error("listing documents failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list documents", "")
			return
		}
		out := make([]documentResponse, len(docs))
		for i, doc := range docs {
			out[i] = toDocumentResponse(doc)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// HandleDeleteDocument removes a document's index entries and record. An
// in-flight processing run is cancelled first; its own cleanup removes any
// points written after this delete.
func (h *Handlers) HandleDeleteDocument() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		h.mu.Lock()
		if cancel, ok := h.running[id]; ok {
			cancel()
		}
		h.mu.Unlock()

		if err := h.ingestor.Delete(r.Context(), id); err != nil {
			h.logger.Error("deleting document failed", "doc", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to delete document", "")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleQuery retrieves passages for the question and composes an answer.
func (h *Handlers) HandleQuery() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "")
			return
		}
		if req.SessionID == "" || strings.TrimSpace(req.Question) == "" {
			writeError(w, http.StatusBadRequest, "session_id and question are required", "")
			return
		}
		k := req.TopK
		if k <= 0 {
			k = h.topK
		}

		scope := storage.Scope{SessionID: req.SessionID, DocID: req.DocID}
		results, err := h.retriever.Retrieve(r.Context(), req.Question, scope, k)
		if err != nil {
			if errors.Is(err, storage.ErrModelMismatch) {
				writeError(w, http.StatusConflict, err.Error(), "model_mismatch")
				return
			}
			h.logger.Error("retrieval failed", "error", err)
			writeError(w, http.StatusBadGateway, "retrieval failed", "retrieval_failed")
			return
		}

		answer, err := h.composer.Compose(r.Context(), req.Question, req.History, results)
		if err != nil {
			switch {
			case errors.Is(err, compose.ErrNoRelevantContext):
				writeError(w, http.StatusNotFound, "no relevant context found for the question", "no_relevant_context")
			case errors.Is(err, compose.ErrContentFiltered):
				writeError(w, http.StatusUnprocessableEntity, "answer blocked by content filter", "content_filtered")
			default:
				h.logger.Error("answer generation failed", "error", err)
				writeError(w, http.StatusBadGateway, "answer generation failed", "generation_failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, queryResponse{Answer: answer.Text, Citations: answer.Citations})
	}
}

func toDocumentResponse(doc *metastore.Document) documentResponse {
	return documentResponse{
		ID:             doc.ID,
		SessionID:      doc.SessionID,
		Filename:       doc.Filename,
		Status:         string(doc.Status),
		Language:       doc.Language,
		Pages:          doc.Pages,
		Degraded:       doc.Degraded,
		OCRUsed:        doc.OCRUsed,
		FailedPages:    doc.FailedPages,
		ParentCount:    doc.ParentCount,
		ChildCount:     doc.ChildCount,
		EmbeddingModel: doc.EmbeddingModel,
		LastError:      doc.LastError,
		CreatedAt:      doc.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      doc.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}
