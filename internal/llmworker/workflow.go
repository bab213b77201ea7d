// Package llmworker executes one conversational turn per chunk against the
// configured LLM backend and routes the response: a tool call to the git
// queue, a comment to the git queue, or completion.
package llmworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bkyoung/review-pipeline/internal/adapter/llm"
	llmhttp "github.com/bkyoung/review-pipeline/internal/adapter/llm/http"
	"github.com/bkyoung/review-pipeline/internal/domain"
	"github.com/bkyoung/review-pipeline/internal/prompt"
	"github.com/bkyoung/review-pipeline/internal/state"
)

// State is the slice of the shared store the LLM worker needs.
type State interface {
	GetChunk(ctx context.Context, chunkID string) (domain.Chunk, error)
	SaveChunk(ctx context.Context, chunk domain.Chunk) error
	GetReviewRequest(ctx context.Context, reviewRequestID string) (domain.ReviewRequest, error)
	SaveReviewRequest(ctx context.Context, req domain.ReviewRequest) error
	ChunksForRequest(ctx context.Context, reviewRequestID string) ([]domain.Chunk, error)
	GetConversation(ctx context.Context, reviewRequestID, chunkID string) (domain.Conversation, error)
	SaveConversation(ctx context.Context, reviewRequestID, chunkID string, conversation domain.Conversation) error
	DeleteConversation(ctx context.Context, reviewRequestID, chunkID string) error
}

// Publisher is the outbound port to the queue broker.
type Publisher interface {
	Publish(ctx context.Context, queueName string, payload any) error
}

// Deps captures the LLM worker's collaborators.
type Deps struct {
	State     State
	Publisher Publisher
	LLM       llm.Client

	GitQueue         string
	SystemPromptName string

	Logger *slog.Logger
}

// Workflow consumes the LLM queue.
type Workflow struct {
	deps Deps
}

// NewWorkflow creates an LLM worker workflow.
func NewWorkflow(deps Deps) *Workflow {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Workflow{deps: deps}
}

// llmResult is the JSON contract the system prompt pins: either a tool
// call or an answer.
type llmResult struct {
	Model    string `json:"model"`
	ToolCall struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	} `json:"tool_call"`
	Content []struct {
		Line    int    `json:"line"`
		Comment string `json:"comment"`
	} `json:"content"`
}

// HandleMessage runs one conversational turn for the chunk named in the
// message. Recoverable conditions return nil so the message acknowledges.
func (w *Workflow) HandleMessage(ctx context.Context, body []byte) error {
	var task domain.LLMTask
	if err := json.Unmarshal(body, &task); err != nil {
		w.deps.Logger.Error("dropping malformed LLM message", "error", err)
		return nil
	}
	if task.ChunkID == "" {
		w.deps.Logger.Error("dropping LLM message without chunk_id")
		return nil
	}
	return w.ReviewTurn(ctx, task.ChunkID)
}

// ReviewTurn loads the chunk's conversation, invokes the backend, and
// advances the state machine according to the response.
func (w *Workflow) ReviewTurn(ctx context.Context, chunkID string) error {
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

	logger.Info("running LLM turn", "context_level", chunk.ContextLevel)

	conversation, err := w.deps.State.GetConversation(ctx, chunk.ReviewRequestID, chunkID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	if len(conversation) == 0 {
		repoID, prID := w.requestOrigin(ctx, chunk.ReviewRequestID)
		conversation = prompt.InitialMessages(w.deps.SystemPromptName, chunk, repoID, prID)
	} else if lastRole(conversation) == domain.RoleAssistant && chunk.Metadata[domain.MetaLastTool] != "" {
		// The previous turn ended in a tool call and the git worker has
		// since stored its output; convey it before asking again.
		conversation = append(conversation, prompt.ContextMessage(
			chunk.Metadata[domain.MetaLastTool],
			chunk.Metadata[domain.MetaToolOutput],
		))
	}

	responseText, err := w.deps.LLM.GenerateResponse(ctx, conversation)
	if err != nil {
		logger.Error("LLM backend failed", "error", err)
		return w.failChunk(ctx, chunk)
	}

	var result llmResult
	if err := json.Unmarshal([]byte(llmhttp.ExtractJSONFromMarkdown(responseText)), &result); err != nil {
		logger.Error("unparseable LLM response", "error", err)
		return w.failChunk(ctx, chunk)
	}

	conversation = append(conversation, domain.Message{Role: domain.RoleAssistant, Content: responseText})
	if err := w.deps.State.SaveConversation(ctx, chunk.ReviewRequestID, chunkID, conversation); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}

	switch result.Model {
	case "tool":
		return w.routeToolCall(ctx, chunk, result)
	case "answer":
		return w.routeAnswer(ctx, chunk, result)
	default:
		logger.Error("unknown model discriminator", "model", result.Model)
		return w.failChunk(ctx, chunk)
	}
}

// routeToolCall records the requested tool and hands the chunk to the git
// worker for execution.
func (w *Workflow) routeToolCall(ctx context.Context, chunk domain.Chunk, result llmResult) error {
	args, err := json.Marshal(result.ToolCall.Args)
	if err != nil {
		args = []byte("{}")
	}

	chunk.Status = domain.ChunkToolRequired
	chunk.SetMeta(domain.MetaLastTool, result.ToolCall.Tool)
	chunk.SetMeta(domain.MetaToolArgs, string(args))
	if err := w.deps.State.SaveChunk(ctx, chunk); err != nil {
		return fmt.Errorf("save chunk: %w", err)
	}

	if err := w.deps.Publisher.Publish(ctx, w.deps.GitQueue, domain.GitTask{
		Action:  domain.ActionToolCall,
		ChunkID: chunk.ChunkID,
	}); err != nil {
		return fmt.Errorf("enqueue tool call: %w", err)
	}

	w.deps.Logger.Info("chunk needs tool call",
		"chunk_id", chunk.ChunkID, "tool", result.ToolCall.Tool)
	return nil
}

// routeAnswer takes the first comment entry, or completes the chunk when
// the model found nothing worth saying.
func (w *Workflow) routeAnswer(ctx context.Context, chunk domain.Chunk, result llmResult) error {
	if len(result.Content) == 0 {
		chunk.Status = domain.ChunkCompleted
		if err := w.deps.State.SaveChunk(ctx, chunk); err != nil {
			return fmt.Errorf("save chunk: %w", err)
		}
		w.deps.Logger.Info("chunk completed with no issues", "chunk_id", chunk.ChunkID)
		return w.finalizeChunk(ctx, chunk)
	}

	first := result.Content[0]
	chunk.CommentBody = first.Comment
	chunk.LineNumber = first.Line
	chunk.Status = domain.ChunkCommentReady
	if err := w.deps.State.SaveChunk(ctx, chunk); err != nil {
		return fmt.Errorf("save chunk: %w", err)
	}

	if err := w.deps.Publisher.Publish(ctx, w.deps.GitQueue, domain.GitTask{
		Action:  domain.ActionGitComment,
		ChunkID: chunk.ChunkID,
	}); err != nil {
		return fmt.Errorf("enqueue comment: %w", err)
	}

	w.deps.Logger.Info("chunk produced comment",
		"chunk_id", chunk.ChunkID, "line", chunk.LineNumber)
	return nil
}

// failChunk marks the chunk FAILED and acknowledges the message: a failed
// turn must not become a poison message.
func (w *Workflow) failChunk(ctx context.Context, chunk domain.Chunk) error {
	chunk.Status = domain.ChunkFailed
	if err := w.deps.State.SaveChunk(ctx, chunk); err != nil {
		return fmt.Errorf("save failed chunk: %w", err)
	}
	return w.finalizeChunk(ctx, chunk)
}

// finalizeChunk discards the chunk's conversation and rolls the owning
// request up to COMPLETED once every registered chunk is terminal.
func (w *Workflow) finalizeChunk(ctx context.Context, chunk domain.Chunk) error {
	if err := w.deps.State.DeleteConversation(ctx, chunk.ReviewRequestID, chunk.ChunkID); err != nil {
		w.deps.Logger.Warn("failed to discard conversation", "chunk_id", chunk.ChunkID, "error", err)
	}
	return state.FinalizeRequest(ctx, w.deps.State, w.deps.Logger, chunk.ReviewRequestID)
}

// requestOrigin resolves the repo and PR behind a chunk for prompt
// construction. Missing requests degrade to placeholders rather than
// blocking the turn.
func (w *Workflow) requestOrigin(ctx context.Context, reviewRequestID string) (string, int) {
	req, err := w.deps.State.GetReviewRequest(ctx, reviewRequestID)
	if err != nil {
		w.deps.Logger.Warn("review request not found for prompt",
			"review_request_id", reviewRequestID, "error", err)
		return "unknown", 0
	}
	return req.RepoID, req.PRID
}

func lastRole(conversation domain.Conversation) domain.Role {
	if len(conversation) == 0 {
		return ""
	}
	return conversation[len(conversation)-1].Role
}
