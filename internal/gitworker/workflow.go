// Package gitworker executes the pipeline's provider side effects: posting
// inline review comments idempotently and serving the model's read-only
// context fetches.
package gitworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bkyoung/review-pipeline/internal/adapter/scm"
	"github.com/bkyoung/review-pipeline/internal/domain"
	"github.com/bkyoung/review-pipeline/internal/state"
)

// Tool names the model may request. Anything else produces a textual
// "Unknown tool" output and loops back so the model can recover.
const (
	ToolReadFile           = "read_file"
	ToolGetFileStructure   = "get_file_structure"
	ToolGetFunctionContent = "get_function_content"
)

// State is the slice of the shared store the git worker needs.
type State interface {
	GetChunk(ctx context.Context, chunkID string) (domain.Chunk, error)
	SaveChunk(ctx context.Context, chunk domain.Chunk) error
	GetReviewRequest(ctx context.Context, reviewRequestID string) (domain.ReviewRequest, error)
	SaveReviewRequest(ctx context.Context, req domain.ReviewRequest) error
	ChunksForRequest(ctx context.Context, reviewRequestID string) ([]domain.Chunk, error)
	DeleteConversation(ctx context.Context, reviewRequestID, chunkID string) error
	WasPosted(ctx context.Context, repoID string, prID int, hash string) (bool, error)
	MarkPosted(ctx context.Context, repoID string, prID int, hash string) (bool, error)
}

// Publisher is the outbound port to the queue broker.
type Publisher interface {
	Publish(ctx context.Context, queueName string, payload any) error
}

// SCMFactory resolves a provider name to a client.
type SCMFactory func(provider string) (scm.Provider, error)

// Deps captures the git worker's collaborators.
type Deps struct {
	State     State
	Publisher Publisher
	SCM       SCMFactory

	OrchestratorQueue string

	Logger *slog.Logger
}

// Workflow consumes the git queue.
type Workflow struct {
	deps Deps
}

// NewWorkflow creates a git worker workflow.
func NewWorkflow(deps Deps) *Workflow {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Workflow{deps: deps}
}

// HandleMessage dispatches one git queue message.
func (w *Workflow) HandleMessage(ctx context.Context, body []byte) error {
	var task domain.GitTask
	if err := json.Unmarshal(body, &task); err != nil {
		w.deps.Logger.Error("dropping malformed git message", "error", err)
		return nil
	}

	switch task.Action {
	case domain.ActionGitComment:
		return w.PostComment(ctx, task.ChunkID)
	case domain.ActionToolCall:
		return w.ExecuteTool(ctx, task.ChunkID)
	default:
		w.deps.Logger.Warn("unknown action", "action", task.Action)
		return nil
	}
}

// PostComment posts a chunk's inline comment to the provider, guarded by
// the idempotency marker so duplicate deliveries collapse to one call.
func (w *Workflow) PostComment(ctx context.Context, chunkID string) error {
	logger := w.deps.Logger.With("chunk_id", chunkID)

	chunk, err := w.deps.State.GetChunk(ctx, chunkID)
	if errors.Is(err, state.ErrNotFound) {
		logger.Error("chunk not found, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load chunk %s: %w", chunkID, err)
	}
	if chunk.Status.Terminal() {
		logger.Info("chunk already terminal, skipping", "status", chunk.Status)
		return nil
	}

	req, err := w.deps.State.GetReviewRequest(ctx, chunk.ReviewRequestID)
	if errors.Is(err, state.ErrNotFound) {
		logger.Error("review request not found, dropping message",
			"review_request_id", chunk.ReviewRequestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load review request: %w", err)
	}

	if chunk.CommentBody == "" || chunk.Filename == "" || chunk.LineNumber == 0 {
		logger.Warn("chunk missing comment data")
		return w.failChunk(ctx, chunk)
	}

	if chunk.IdempotencyHash == "" {
		chunk.IdempotencyHash = domain.CommentHash(chunk.Filename, chunk.LineNumber, chunk.CommentBody)
	}

	posted, err := w.deps.State.WasPosted(ctx, req.RepoID, req.PRID, chunk.IdempotencyHash)
	if err != nil {
		return fmt.Errorf("check idempotency marker: %w", err)
	}
	if posted {
		logger.Info("comment already posted, idempotency hit")
		chunk.Status = domain.ChunkPosted
		if err := w.deps.State.SaveChunk(ctx, chunk); err != nil {
			return fmt.Errorf("save chunk: %w", err)
		}
		return w.finalizeChunk(ctx, chunk)
	}

	headSHA := req.HeadSHA()
	if headSHA == "" {
		logger.Error("head_sha missing from request metadata")
		return w.failChunk(ctx, chunk)
	}

	provider, err := w.deps.SCM(req.Provider)
	if err != nil {
		logger.Error("unsupported provider", "error", err)
		return w.failChunk(ctx, chunk)
	}

	err = provider.PostPRComment(ctx, scm.CommentInput{
		RepoID:   req.RepoID,
		PRID:     req.PRID,
		BaseSHA:  req.BaseSHA(),
		StartSHA: req.Metadata["start_sha"],
		HeadSHA:  headSHA,
		File:     chunk.Filename,
		Line:     chunk.LineNumber,
		Body:     chunk.CommentBody,
	})
	if err != nil {
		logger.Error("failed to post comment", "error", err)
		return w.failChunk(ctx, chunk)
	}

	chunk.Status = domain.ChunkPosted
	if err := w.deps.State.SaveChunk(ctx, chunk); err != nil {
		return fmt.Errorf("save posted chunk: %w", err)
	}
	if _, err := w.deps.State.MarkPosted(ctx, req.RepoID, req.PRID, chunk.IdempotencyHash); err != nil {
		// The comment is live; a lost marker only risks a duplicate on a
		// later redelivery.
		logger.Warn("failed to write idempotency marker", "error", err)
	}

	logger.Info("comment posted", "file", chunk.Filename, "line", chunk.LineNumber)
	return w.finalizeChunk(ctx, chunk)
}

// ExecuteTool serves a model-initiated context fetch and loops the chunk
// back to the orchestrator for another LLM turn.
func (w *Workflow) ExecuteTool(ctx context.Context, chunkID string) error {
	logger := w.deps.Logger.With("chunk_id", chunkID)

	chunk, err := w.deps.State.GetChunk(ctx, chunkID)
	if errors.Is(err, state.ErrNotFound) {
		logger.Error("chunk not found, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load chunk %s: %w", chunkID, err)
	}
	if chunk.Status.Terminal() {
		logger.Info("chunk already terminal, skipping", "status", chunk.Status)
		return nil
	}

	req, err := w.deps.State.GetReviewRequest(ctx, chunk.ReviewRequestID)
	if errors.Is(err, state.ErrNotFound) {
		logger.Error("review request not found, dropping message",
			"review_request_id", chunk.ReviewRequestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load review request: %w", err)
	}

	toolName := chunk.Metadata[domain.MetaLastTool]
	logger.Info("executing tool call", "tool", toolName)

	output := w.runTool(ctx, req, chunk, toolName)

	chunk.SetMeta(domain.MetaToolOutput, output)
	chunk.ContextLevel++
	chunk.Status = domain.ChunkContextReady
	if err := w.deps.State.SaveChunk(ctx, chunk); err != nil {
		return fmt.Errorf("save chunk: %w", err)
	}

	if err := w.deps.Publisher.Publish(ctx, w.deps.OrchestratorQueue, domain.OrchestratorTask{
		Action:  domain.ActionEvaluateChunk,
		ChunkID: chunk.ChunkID,
	}); err != nil {
		return fmt.Errorf("re-enqueue chunk evaluation: %w", err)
	}

	logger.Info("context fetched", "context_level", chunk.ContextLevel)
	return nil
}

// runTool produces the textual tool output. Tool failures and unknown
// tools both become text the model sees; the model decides how to recover.
func (w *Workflow) runTool(ctx context.Context, req domain.ReviewRequest, chunk domain.Chunk, toolName string) string {
	switch toolName {
	case ToolReadFile, ToolGetFileStructure, ToolGetFunctionContent:
	default:
		return fmt.Sprintf("Unknown tool: %s", toolName)
	}

	filePath := toolFilePath(chunk)

	provider, err := w.deps.SCM(req.Provider)
	if err != nil {
		return fmt.Sprintf("Tool %s failed: %v", toolName, err)
	}

	content, err := provider.GetFileContent(ctx, req.RepoID, filePath, req.HeadSHA())
	if err != nil {
		return fmt.Sprintf("Tool %s failed for %s: %v", toolName, filePath, err)
	}

	if toolName == ToolGetFileStructure {
		return fmt.Sprintf("File structure context for %s:\n%s", filePath, content)
	}
	return content
}

// toolFilePath resolves the file the tool should read: the file_path arg
// when present, the chunk's own file otherwise.
func toolFilePath(chunk domain.Chunk) string {
	raw := chunk.Metadata[domain.MetaToolArgs]
	if raw != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(raw), &args); err == nil {
			if fp, ok := args["file_path"].(string); ok && fp != "" {
				return fp
			}
		}
	}
	return chunk.Filename
}

// failChunk marks the chunk FAILED and acknowledges the message.
func (w *Workflow) failChunk(ctx context.Context, chunk domain.Chunk) error {
	chunk.Status = domain.ChunkFailed
	if err := w.deps.State.SaveChunk(ctx, chunk); err != nil {
		return fmt.Errorf("save failed chunk: %w", err)
	}
	return w.finalizeChunk(ctx, chunk)
}

// finalizeChunk discards the conversation and rolls the owning request up
// once every chunk is terminal.
func (w *Workflow) finalizeChunk(ctx context.Context, chunk domain.Chunk) error {
	if err := w.deps.State.DeleteConversation(ctx, chunk.ReviewRequestID, chunk.ChunkID); err != nil {
		w.deps.Logger.Warn("failed to discard conversation", "chunk_id", chunk.ChunkID, "error", err)
	}
	return state.FinalizeRequest(ctx, w.deps.State, w.deps.Logger, chunk.ReviewRequestID)
}
