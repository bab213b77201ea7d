// Package orchestrator drives the review pipeline: it materializes chunks
// from a PR diff on START_PR_REVIEW and advances the per-chunk state
// machine on EVALUATE_CHUNK.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bkyoung/review-pipeline/internal/adapter/scm"
	"github.com/bkyoung/review-pipeline/internal/diff"
	"github.com/bkyoung/review-pipeline/internal/domain"
	"github.com/bkyoung/review-pipeline/internal/filter"
	"github.com/bkyoung/review-pipeline/internal/state"
)

// State is the slice of the shared store the orchestrator needs.
type State interface {
	SaveReviewRequest(ctx context.Context, req domain.ReviewRequest) error
	GetReviewRequest(ctx context.Context, reviewRequestID string) (domain.ReviewRequest, error)
	SaveChunk(ctx context.Context, chunk domain.Chunk) error
	GetChunk(ctx context.Context, chunkID string) (domain.Chunk, error)
}

// Publisher is the outbound port to the queue broker.
type Publisher interface {
	Publish(ctx context.Context, queueName string, payload any) error
}

// SCMFactory resolves a provider name to a client.
type SCMFactory func(provider string) (scm.Provider, error)

// Deps captures the orchestrator's collaborators.
type Deps struct {
	State     State
	Publisher Publisher
	SCM       SCMFactory
	Relevance *filter.Relevance

	OrchestratorQueue string
	LLMQueue          string
	MaxHunkChanges    int

	Logger *slog.Logger
	Now    func() int64
}

// Workflow consumes the orchestrator queue.
type Workflow struct {
	deps Deps
}

// NewWorkflow creates an orchestrator workflow.
func NewWorkflow(deps Deps) *Workflow {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() int64 { return time.Now().Unix() }
	}
	if deps.MaxHunkChanges <= 0 {
		deps.MaxHunkChanges = diff.DefaultMaxHunkChanges
	}
	return &Workflow{deps: deps}
}

// HandleMessage dispatches one orchestrator queue message. Recoverable
// conditions (stale duplicates, unknown actions) return nil so the message
// is acknowledged and does not loop.
func (w *Workflow) HandleMessage(ctx context.Context, body []byte) error {
	var task domain.OrchestratorTask
	if err := json.Unmarshal(body, &task); err != nil {
		w.deps.Logger.Error("dropping malformed orchestrator message", "error", err)
		return nil
	}

	switch task.Action {
	case domain.ActionStartPRReview:
		return w.StartPRReview(ctx, task)
	case domain.ActionEvaluateChunk:
		return w.EvaluateChunk(ctx, task.ChunkID)
	default:
		w.deps.Logger.Warn("unknown action", "action", task.Action)
		return nil
	}
}

// StartPRReview creates the review request, fetches the PR's diff and
// metadata, chunks the relevant file changes, and enqueues one
// EVALUATE_CHUNK per chunk.
func (w *Workflow) StartPRReview(ctx context.Context, task domain.OrchestratorTask) error {
	logger := w.deps.Logger.With(
		"review_request_id", task.ReviewRequestID,
		"provider", task.Provider, "repo", task.Repo, "pr", task.PRNumber)
	logger.Info("starting review")

	provider, err := w.deps.SCM(task.Provider)
	if err != nil {
		logger.Error("unsupported provider", "error", err)
		return nil
	}

	req := domain.ReviewRequest{
		ReviewRequestID: task.ReviewRequestID,
		RepoID:          task.Repo,
		PRID:            task.PRNumber,
		Provider:        task.Provider,
		Status:          domain.RequestInProgress,
		CreatedAt:       w.deps.Now(),
		Metadata:        map[string]string{},
	}
	if err := w.deps.State.SaveReviewRequest(ctx, req); err != nil {
		return fmt.Errorf("save review request: %w", err)
	}

	// Fetch the file diffs and the PR metadata concurrently.
	var (
		wg      sync.WaitGroup
		changes []scm.FileChange
		pr      scm.PullRequest
		diffErr error
		metaErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		changes, diffErr = provider.GetPullRequestFileDiffs(ctx, task.Repo, task.PRNumber)
	}()
	go func() {
		defer wg.Done()
		pr, metaErr = provider.GetPullRequest(ctx, task.Repo, task.PRNumber)
	}()
	wg.Wait()

	if diffErr != nil || metaErr != nil {
		logger.Error("failed to fetch PR data", "diff_error", diffErr, "meta_error", metaErr)
		req.Status = domain.RequestFailed
		if saveErr := w.deps.State.SaveReviewRequest(ctx, req); saveErr != nil {
			return fmt.Errorf("save failed request: %w", saveErr)
		}
		return nil
	}

	req.SetMeta("base_sha", pr.BaseSHA)
	req.SetMeta("head_sha", pr.HeadSHA)
	req.SetMeta("start_sha", pr.StartSHA)
	if err := w.deps.State.SaveReviewRequest(ctx, req); err != nil {
		return fmt.Errorf("save review request metadata: %w", err)
	}

	// Process every file in parallel; a slow file must not block the rest.
	results := make([][]domain.Chunk, len(changes))
	var fileWG sync.WaitGroup
	for i, fc := range changes {
		fileWG.Add(1)
		go func(i int, fc scm.FileChange) {
			defer fileWG.Done()
			results[i] = w.processFile(ctx, provider, req, fc)
		}(i, fc)
	}
	fileWG.Wait()

	totalChunks := 0
	for _, fileChunks := range results {
		for _, chunk := range fileChunks {
			if err := w.deps.State.SaveChunk(ctx, chunk); err != nil {
				return fmt.Errorf("save chunk: %w", err)
			}
			if err := w.deps.Publisher.Publish(ctx, w.deps.OrchestratorQueue, domain.OrchestratorTask{
				Action:  domain.ActionEvaluateChunk,
				ChunkID: chunk.ChunkID,
			}); err != nil {
				return fmt.Errorf("enqueue chunk evaluation: %w", err)
			}
			totalChunks++
		}
	}

	logger.Info("review initialized", "chunks", totalChunks)

	if totalChunks == 0 {
		req.Status = domain.RequestCompleted
		req.SetMeta(domain.MetaReason, "No reviewable changes found")
		if err := w.deps.State.SaveReviewRequest(ctx, req); err != nil {
			return fmt.Errorf("save completed request: %w", err)
		}
	}
	return nil
}

// processFile runs one file change through the relevancy filter, the
// semantic-change filter, and hunk chunking. Returns the chunks the file
// contributes (possibly none).
func (w *Workflow) processFile(ctx context.Context, provider scm.Provider, req domain.ReviewRequest, fc scm.FileChange) []domain.Chunk {
	logger := w.deps.Logger.With("review_request_id", req.ReviewRequestID, "file", fc.Filename)

	if fc.Patch == "" || !w.deps.Relevance.ShouldReview(fc.Filename) {
		return nil
	}

	// Semantic check is fail-open: if either fetch fails the file
	// proceeds to review.
	baseSHA, headSHA := req.BaseSHA(), req.HeadSHA()
	if baseSHA != "" && headSHA != "" {
		oldContent, oldErr := provider.GetFileContent(ctx, req.RepoID, fc.Filename, baseSHA)
		newContent, newErr := provider.GetFileContent(ctx, req.RepoID, fc.Filename, headSHA)
		if oldErr != nil || newErr != nil {
			logger.Warn("semantic check fetch failed, proceeding", "old_error", oldErr, "new_error", newErr)
		} else if !filter.IsSemanticChange(oldContent, newContent, fc.Filename) {
			logger.Info("skipping non-semantic change")
			return nil
		}
	}

	hunks, err := diff.ChunkPatch(fc.Patch, w.deps.MaxHunkChanges)
	if err != nil {
		logger.Error("failed to chunk patch", "error", err)
		return nil
	}

	chunks := make([]domain.Chunk, 0, len(hunks))
	for _, h := range hunks {
		chunks = append(chunks, domain.Chunk{
			ChunkID:         uuid.NewString(),
			ReviewRequestID: req.ReviewRequestID,
			DiffSnippet:     h.Content,
			Filename:        fc.Filename,
			StartLine:       h.StartLine,
			EndLine:         h.EndLine,
			Status:          domain.ChunkPending,
			Metadata:        map[string]string{},
		})
	}
	return chunks
}

// EvaluateChunk is the central state-machine step: a chunk in PENDING or
// CONTEXT_READY moves to LLM_IN_PROGRESS and is handed to the LLM queue;
// anything else is an idempotent skip.
func (w *Workflow) EvaluateChunk(ctx context.Context, chunkID string) error {
	chunk, err := w.deps.State.GetChunk(ctx, chunkID)
	if errors.Is(err, state.ErrNotFound) {
		w.deps.Logger.Error("chunk not found, dropping message", "chunk_id", chunkID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load chunk %s: %w", chunkID, err)
	}

	if chunk.Status != domain.ChunkPending && chunk.Status != domain.ChunkContextReady {
		w.deps.Logger.Info("skipping chunk evaluation",
			"chunk_id", chunkID, "status", chunk.Status)
		return nil
	}

	chunk.Status = domain.ChunkLLMInProgress
	if err := w.deps.State.SaveChunk(ctx, chunk); err != nil {
		return fmt.Errorf("save chunk %s: %w", chunkID, err)
	}

	if err := w.deps.Publisher.Publish(ctx, w.deps.LLMQueue, domain.LLMTask{
		ChunkID:         chunk.ChunkID,
		ReviewRequestID: chunk.ReviewRequestID,
		Filename:        chunk.Filename,
		ContextLevel:    chunk.ContextLevel,
	}); err != nil {
		return fmt.Errorf("enqueue LLM turn for %s: %w", chunkID, err)
	}

	w.deps.Logger.Info("chunk handed to LLM queue", "chunk_id", chunkID)
	return nil
}
