package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hieradoc/hieradoc/internal/compose"
	"github.com/hieradoc/hieradoc/internal/metastore"
	"github.com/hieradoc/hieradoc/internal/pipeline"
	"github.com/hieradoc/hieradoc/internal/retrieve"
	"github.com/hieradoc/hieradoc/internal/storage"
)

type fakeIngestor struct {
	processed chan string
	deleted   []string
	deleteErr error
}

func (f *fakeIngestor) Process(ctx context.Context, docID, pdfPath string) (*pipeline.Result, error) {
	if f.processed != nil {
		f.processed <- docID
	}
	return &pipeline.Result{DocID: docID}, nil
}

func (f *fakeIngestor) Delete(ctx context.Context, docID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, docID)
	return nil
}

type fakeRetriever struct {
	results []*retrieve.Result
	err     error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, scope storage.Scope, k int) ([]*retrieve.Result, error) {
	return f.results, f.err
}

type fakeComposer struct {
	answer *compose.Answer
	err    error
}

func (f *fakeComposer) Compose(ctx context.Context, question string, history []compose.Message, results []*retrieve.Result) (*compose.Answer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.answer, nil
}

type fakeDocStore struct {
	docs map[string]*metastore.Document
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[string]*metastore.Document)}
}

func (f *fakeDocStore) Create(ctx context.Context, doc *metastore.Document) error {
	doc.Status = metastore.StatusPending
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeDocStore) Get(ctx context.Context, id string) (*metastore.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, metastore.ErrDocumentNotFound
	}
	return doc, nil
}

func (f *fakeDocStore) ListBySession(ctx context.Context, sessionID string) ([]*metastore.Document, error) {
	var out []*metastore.Document
	for _, doc := range f.docs {
		if doc.SessionID == sessionID {
			out = append(out, doc)
		}
	}
	return out, nil
}

type testEnv struct {
	ingestor  *fakeIngestor
	retriever *fakeRetriever
	composer  *fakeComposer
	meta      *fakeDocStore
	mux       *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ingestor:  &fakeIngestor{},
		retriever: &fakeRetriever{},
		composer:  &fakeComposer{},
		meta:      newFakeDocStore(),
	}
	handlers := NewHandlers(env.ingestor, env.retriever, env.composer, env.meta, t.TempDir(), 5, nil)
	env.mux = Routes(handlers, healthOK{})
	return env
}

type healthOK struct{}

func (healthOK) Health(ctx context.Context) error { return nil }

type healthDown struct{}

func (healthDown) Health(ctx context.Context) error { return errors.New("unreachable") }

func multipartPDF(t *testing.T, filename, sessionID string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if sessionID != "" {
		require.NoError(t, w.WriteField("session_id", sessionID))
	}
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4 fake content"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHandleUpload(t *testing.T) {
	env := newTestEnv(t)
	env.ingestor.processed = make(chan string, 1)

	body, contentType := multipartPDF(t, "report.pdf", "sess-1")
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp documentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "report.pdf", resp.Filename)
	assert.Equal(t, "pending", resp.Status)

	// Processing starts in the background for the accepted document.
	select {
	case docID := <-env.ingestor.processed:
		assert.Equal(t, resp.ID, docID)
	case <-time.After(2 * time.Second):
		t.Fatal("processing never started")
	}
}

func TestHandleUpload_MissingSession(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartPDF(t, "report.pdf", "")
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUpload_RejectsNonPDF(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartPDF(t, "notes.txt", "sess-1")
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetDocument(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.meta.Create(context.Background(), &metastore.Document{
		ID: "doc-1", SessionID: "sess-1", Filename: "a.pdf",
	}))
	env.meta.docs["doc-1"].Status = metastore.StatusReady
	env.meta.docs["doc-1"].OCRUsed = true

	req := httptest.NewRequest(http.MethodGet, "/api/documents/doc-1", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp documentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "doc-1", resp.ID)
	assert.Equal(t, "ready", resp.Status)
	assert.True(t, resp.OCRUsed)
}

func TestHandleGetDocument_NotFound(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/documents/ghost", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.meta.Create(ctx, &metastore.Document{ID: "doc-1", SessionID: "sess-1", Filename: "a.pdf"}))
	require.NoError(t, env.meta.Create(ctx, &metastore.Document{ID: "doc-2", SessionID: "sess-2", Filename: "b.pdf"}))

	req := httptest.NewRequest(http.MethodGet, "/api/documents?session=sess-1", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []documentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "doc-1", resp[0].ID)

	// Missing session parameter is a client error.
	req = httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	rec = httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDeleteDocument(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/documents/doc-1", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"doc-1"}, env.ingestor.deleted)
}

func queryBody(t *testing.T, session, question string) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(map[string]any{"session_id": session, "question": question})
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func TestHandleQuery(t *testing.T) {
	env := newTestEnv(t)
	env.retriever.results = []*retrieve.Result{
		{Parent: &storage.Parent{ID: "p1", DocID: "doc-1", PageStart: 2, PageEnd: 3}, Score: 0.9},
	}
	env.composer.answer = &compose.Answer{
		Text:      "Thirty days [1].",
		Citations: []compose.Citation{{Index: 1, DocID: "doc-1", ParentID: "p1", PageStart: 2, PageEnd: 3}},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/query", queryBody(t, "sess-1", "refund window?"))
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Thirty days [1].", resp.Answer)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "p1", resp.Citations[0].ParentID)
}

func TestHandleQuery_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/query", queryBody(t, "", "question"))
	rec = httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/query", queryBody(t, "sess-1", "   "))
	rec = httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQuery_ErrorKinds(t *testing.T) {
	tests := []struct {
		name       string
		retrieval  error
		compose    error
		wantStatus int
		wantKind   string
	}{
		{"model mismatch", fmt.Errorf("%w: indexed with other", storage.ErrModelMismatch), nil, http.StatusConflict, "model_mismatch"},
		{"retrieval failure", errors.New("qdrant down"), nil, http.StatusBadGateway, "retrieval_failed"},
		{"no relevant context", nil, compose.ErrNoRelevantContext, http.StatusNotFound, "no_relevant_context"},
		{"content filtered", nil, compose.ErrContentFiltered, http.StatusUnprocessableEntity, "content_filtered"},
		{"generation failure", nil, fmt.Errorf("%w: boom", compose.ErrGenerationFailed), http.StatusBadGateway, "generation_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.retriever.err = tt.retrieval
			env.composer.err = tt.compose

			req := httptest.NewRequest(http.MethodPost, "/api/query", queryBody(t, "sess-1", "question"))
			rec := httptest.NewRecorder()
			env.mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantKind, resp.Kind)
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Qdrant)

	rec = httptest.NewRecorder()
	NewHealthHandler(healthDown{}).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
