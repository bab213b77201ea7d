// Package llm defines the pluggable LLM backend interface and its factory.
package llm

import (
	"context"

	"github.com/bkyoung/review-pipeline/internal/domain"
)

// Client is the single capability every LLM backend exposes: run one
// conversational turn and return the raw response text. Backends are asked
// for JSON-only output; interpreting the response is the caller's job.
type Client interface {
	GenerateResponse(ctx context.Context, messages domain.Conversation) (string, error)
}
