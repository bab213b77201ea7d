package state_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bkyoung/review-pipeline/internal/domain"
	"github.com/bkyoung/review-pipeline/internal/state"
)

func newTestStore(t *testing.T) (*state.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := state.NewStoreFromClient(rdb)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestStore_ReviewRequestRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	req := domain.ReviewRequest{
		ReviewRequestID: "req-1",
		RepoID:          "owner/repo",
		PRID:            5,
		Provider:        "github",
		Status:          domain.RequestInProgress,
		CreatedAt:       1700000000,
		Metadata:        map[string]string{"head_sha": "abc"},
	}
	require.NoError(t, store.SaveReviewRequest(ctx, req))

	// Key layout is part of the contract
	assert.True(t, mr.Exists("review_request:req-1"))

	got, err := store.GetReviewRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestStore_GetReviewRequest_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetReviewRequest(context.Background(), "missing")
	assert.True(t, errors.Is(err, state.ErrNotFound))
}

func TestStore_ChunkRoundTripAndSet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	chunk := domain.Chunk{
		ChunkID:         "chunk-1",
		ReviewRequestID: "req-1",
		DiffSnippet:     "@@ -1 +1 @@\n+x",
		Filename:        "app.py",
		StartLine:       10,
		EndLine:         12,
		Status:          domain.ChunkPending,
		Metadata:        map[string]string{},
	}
	require.NoError(t, store.SaveChunk(ctx, chunk))

	assert.True(t, mr.Exists("chunk:chunk-1"))
	assert.True(t, mr.Exists("review_request_chunks:req-1"))

	got, err := store.GetChunk(ctx, "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, chunk, got)

	members, err := mr.SMembers("review_request_chunks:req-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk-1"}, members)
}

func TestStore_ChunksForRequest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveChunk(ctx, domain.Chunk{
			ChunkID:         id,
			ReviewRequestID: "req-1",
			Status:          domain.ChunkPending,
		}))
	}

	chunks, err := store.ChunksForRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
}

func TestStore_ConversationLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Missing conversation is empty, not an error
	conv, err := store.GetConversation(ctx, "req-1", "chunk-1")
	require.NoError(t, err)
	assert.Empty(t, conv)

	conv = domain.Conversation{
		{Role: domain.RoleSystem, Content: "be thorough"},
		{Role: domain.RoleUser, Content: "review this"},
	}
	require.NoError(t, store.SaveConversation(ctx, "req-1", "chunk-1", conv))

	got, err := store.GetConversation(ctx, "req-1", "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, conv, got)

	require.NoError(t, store.DeleteConversation(ctx, "req-1", "chunk-1"))
	got, err = store.GetConversation(ctx, "req-1", "chunk-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_PostedMarker(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	posted, err := store.WasPosted(ctx, "owner/repo", 5, "hash123")
	require.NoError(t, err)
	assert.False(t, posted)

	ok, err := store.MarkPosted(ctx, "owner/repo", 5, "hash123")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists("posted:owner/repo:5:hash123"))

	posted, err = store.WasPosted(ctx, "owner/repo", 5, "hash123")
	require.NoError(t, err)
	assert.True(t, posted)

	// Set-if-absent: the second write reports the existing marker
	ok, err = store.MarkPosted(ctx, "owner/repo", 5, "hash123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PostedMarkerExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.MarkPosted(ctx, "owner/repo", 5, "hash123")
	require.NoError(t, err)

	mr.FastForward(state.PostedMarkerTTL + time.Minute)

	posted, err := store.WasPosted(ctx, "owner/repo", 5, "hash123")
	require.NoError(t, err)
	assert.False(t, posted)
}

func TestFinalizeRequest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	req := domain.ReviewRequest{
		ReviewRequestID: "req-1",
		Status:          domain.RequestInProgress,
	}
	require.NoError(t, store.SaveReviewRequest(ctx, req))

	require.NoError(t, store.SaveChunk(ctx, domain.Chunk{
		ChunkID: "a", ReviewRequestID: "req-1", Status: domain.ChunkPosted,
	}))
	require.NoError(t, store.SaveChunk(ctx, domain.Chunk{
		ChunkID: "b", ReviewRequestID: "req-1", Status: domain.ChunkLLMInProgress,
	}))

	// One chunk still in flight: no roll-up
	require.NoError(t, state.FinalizeRequest(ctx, store, logger, "req-1"))
	got, err := store.GetReviewRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestInProgress, got.Status)

	require.NoError(t, store.SaveChunk(ctx, domain.Chunk{
		ChunkID: "b", ReviewRequestID: "req-1", Status: domain.ChunkCompleted,
	}))

	require.NoError(t, state.FinalizeRequest(ctx, store, logger, "req-1"))
	got, err = store.GetReviewRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCompleted, got.Status)
}

func TestFinalizeRequest_MissingRequest(t *testing.T) {
	store, _ := newTestStore(t)
	logger := slog.New(slog.DiscardHandler)

	// A vanished request is a stale duplicate, not an error
	assert.NoError(t, state.FinalizeRequest(context.Background(), store, logger, "ghost"))
}
