package metastore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := &Document{ID: "doc-1", SessionID: "sess-1", Filename: "report.pdf"}
	require.NoError(t, store.Create(ctx, doc))

	got, err := store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", got.ID)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "report.pdf", got.Filename)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.FailedPages)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestClaim_SingleFlight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Document{ID: "doc-1", SessionID: "s", Filename: "a.pdf"}))

	// First claim wins and moves the document to extracting.
	require.NoError(t, store.Claim(ctx, "doc-1"))
	got, err := store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExtracting, got.Status)

	// A second claim while in flight is rejected.
	err = store.Claim(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrAlreadyProcessing)

	// Claims of intermediate stages are rejected too.
	require.NoError(t, store.SetStatus(ctx, "doc-1", StatusIndexing))
	assert.ErrorIs(t, store.Claim(ctx, "doc-1"), ErrAlreadyProcessing)
}

func TestClaim_ReclaimableStates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Document{ID: "doc-1", SessionID: "s", Filename: "a.pdf"}))
	require.NoError(t, store.Claim(ctx, "doc-1"))

	// A failed document can be reprocessed, and the claim clears the error.
	require.NoError(t, store.MarkFailed(ctx, "doc-1", "extract", errors.New("boom")))
	require.NoError(t, store.Claim(ctx, "doc-1"))
	got, err := store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExtracting, got.Status)
	assert.Empty(t, got.LastError)

	// So can a ready one (re-index).
	require.NoError(t, store.SetStatus(ctx, "doc-1", StatusReady))
	require.NoError(t, store.Claim(ctx, "doc-1"))
}

func TestClaim_StaleInFlightDocument(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Document{ID: "doc-1", SessionID: "s", Filename: "a.pdf"}))
	require.NoError(t, store.Claim(ctx, "doc-1"))
	require.NoError(t, store.SetStatus(ctx, "doc-1", StatusIndexing))

	// Simulate a run that died mid-pipeline: the record sits in an in-flight
	// state with no further status updates.
	_, err := store.db.ExecContext(ctx,
		`UPDATE documents SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-staleClaimAfter-time.Minute), "doc-1")
	require.NoError(t, err)

	// The stale lease is reclaimable.
	require.NoError(t, store.Claim(ctx, "doc-1"))
	got, err := store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExtracting, got.Status)
}

func TestClaim_NotFound(t *testing.T) {
	store := newTestStore(t)
	assert.ErrorIs(t, store.Claim(context.Background(), "missing"), ErrDocumentNotFound)
}

func TestMarkFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Document{ID: "doc-1", SessionID: "s", Filename: "a.pdf"}))
	require.NoError(t, store.MarkFailed(ctx, "doc-1", "index", errors.New("qdrant down")))

	got, err := store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "index: qdrant down", got.LastError)
}

func TestSetResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Document{ID: "doc-1", SessionID: "s", Filename: "a.pdf"}))
	require.NoError(t, store.SetResult(ctx, "doc-1", &Document{
		Language:       "eng",
		Pages:          12,
		Degraded:       true,
		OCRUsed:        true,
		FailedPages:    []int{3, 7},
		ParentCount:    20,
		ChildCount:     150,
		EmbeddingModel: "text-embedding-3-small",
	}))

	got, err := store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, "eng", got.Language)
	assert.Equal(t, 12, got.Pages)
	assert.True(t, got.Degraded)
	assert.True(t, got.OCRUsed)
	assert.Equal(t, []int{3, 7}, got.FailedPages)
	assert.Equal(t, 20, got.ParentCount)
	assert.Equal(t, 150, got.ChildCount)
	assert.Equal(t, "text-embedding-3-small", got.EmbeddingModel)
}

func TestListBySession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Document{ID: "doc-1", SessionID: "alpha", Filename: "a.pdf"}))
	require.NoError(t, store.Create(ctx, &Document{ID: "doc-2", SessionID: "alpha", Filename: "b.pdf"}))
	require.NoError(t, store.Create(ctx, &Document{ID: "doc-3", SessionID: "beta", Filename: "c.pdf"}))

	docs, err := store.ListBySession(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, doc := range docs {
		assert.Equal(t, "alpha", doc.SessionID)
	}

	docs, err = store.ListBySession(ctx, "gamma")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Document{ID: "doc-1", SessionID: "s", Filename: "a.pdf"}))
	require.NoError(t, store.Delete(ctx, "doc-1"))

	_, err := store.Get(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "doc-1"), ErrDocumentNotFound)
}
