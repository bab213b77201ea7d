// Package state implements the shared state store on Redis. Every entity is
// stored as a self-describing JSON record under an opaque key; the only
// structure beyond plain keys is the per-request chunk set.
//
// Key layout:
//
//	review_request:<id>                     ReviewRequest record
//	chunk:<id>                              Chunk record
//	review_request_chunks:<id>              set of chunk ids
//	conversation:<req_id>:<chunk_id>        message history
//	posted:<repo_id>:<pr_id>:<hash>         idempotency marker (24h TTL)
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bkyoung/review-pipeline/internal/domain"
)

// PostedMarkerTTL bounds how long an idempotency marker lives. Long enough
// to absorb provider webhook retries and queue redeliveries, short enough
// not to leak keys forever.
const PostedMarkerTTL = 24 * time.Hour

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store is a Redis-backed state store shared by every worker.
type Store struct {
	rdb *redis.Client
}

// NewStore connects to Redis using a redis:// URL.
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// NewStoreFromClient wraps an existing client (used by tests).
func NewStoreFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// SaveReviewRequest persists a review request record.
func (s *Store) SaveReviewRequest(ctx context.Context, req domain.ReviewRequest) error {
	return s.setJSON(ctx, requestKey(req.ReviewRequestID), req)
}

// GetReviewRequest loads a review request, or ErrNotFound.
func (s *Store) GetReviewRequest(ctx context.Context, reviewRequestID string) (domain.ReviewRequest, error) {
	var req domain.ReviewRequest
	if err := s.getJSON(ctx, requestKey(reviewRequestID), &req); err != nil {
		return domain.ReviewRequest{}, err
	}
	return req, nil
}

// SaveChunk persists a chunk record and registers it in the owning
// request's chunk set.
func (s *Store) SaveChunk(ctx context.Context, chunk domain.Chunk) error {
	if err := s.setJSON(ctx, chunkKey(chunk.ChunkID), chunk); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, chunkSetKey(chunk.ReviewRequestID), chunk.ChunkID).Err()
}

// GetChunk loads a chunk, or ErrNotFound.
func (s *Store) GetChunk(ctx context.Context, chunkID string) (domain.Chunk, error) {
	var chunk domain.Chunk
	if err := s.getJSON(ctx, chunkKey(chunkID), &chunk); err != nil {
		return domain.Chunk{}, err
	}
	return chunk, nil
}

// ChunksForRequest loads every chunk registered for a request. Chunks whose
// records are missing are skipped.
func (s *Store) ChunksForRequest(ctx context.Context, reviewRequestID string) ([]domain.Chunk, error) {
	ids, err := s.rdb.SMembers(ctx, chunkSetKey(reviewRequestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load chunk set: %w", err)
	}

	chunks := make([]domain.Chunk, 0, len(ids))
	for _, id := range ids {
		chunk, err := s.GetChunk(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// SaveConversation persists the message history for one chunk.
func (s *Store) SaveConversation(ctx context.Context, reviewRequestID, chunkID string, conversation domain.Conversation) error {
	return s.setJSON(ctx, conversationKey(reviewRequestID, chunkID), conversation)
}

// GetConversation loads the message history for one chunk. A missing
// conversation is an empty one, not an error.
func (s *Store) GetConversation(ctx context.Context, reviewRequestID, chunkID string) (domain.Conversation, error) {
	var conversation domain.Conversation
	err := s.getJSON(ctx, conversationKey(reviewRequestID, chunkID), &conversation)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conversation, nil
}

// DeleteConversation discards the message history once a chunk terminates.
func (s *Store) DeleteConversation(ctx context.Context, reviewRequestID, chunkID string) error {
	return s.rdb.Del(ctx, conversationKey(reviewRequestID, chunkID)).Err()
}

// WasPosted reports whether the idempotency marker for a comment exists.
func (s *Store) WasPosted(ctx context.Context, repoID string, prID int, hash string) (bool, error) {
	n, err := s.rdb.Exists(ctx, postedKey(repoID, prID, hash)).Result()
	if err != nil {
		return false, fmt.Errorf("check posted marker: %w", err)
	}
	return n > 0, nil
}

// MarkPosted writes the idempotency marker with set-if-absent semantics.
// Returns false if the marker was already present.
func (s *Store) MarkPosted(ctx context.Context, repoID string, prID int, hash string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, postedKey(repoID, prID, hash), "1", PostedMarkerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("write posted marker: %w", err)
	}
	return ok, nil
}

func (s *Store) setJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func requestKey(id string) string  { return "review_request:" + id }
func chunkKey(id string) string    { return "chunk:" + id }
func chunkSetKey(id string) string { return "review_request_chunks:" + id }

func conversationKey(reqID, chunkID string) string {
	return fmt.Sprintf("conversation:%s:%s", reqID, chunkID)
}

func postedKey(repoID string, prID int, hash string) string {
	return fmt.Sprintf("posted:%s:%d:%s", repoID, prID, hash)
}
