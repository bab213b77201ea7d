package prompt

import (
	"fmt"

	"github.com/bkyoung/review-pipeline/internal/domain"
)

// InitialMessages synthesizes the opening conversation for a chunk: the
// configured system prompt plus a user message carrying the hunk and its
// origin.
func InitialMessages(promptName string, chunk domain.Chunk, repoID string, prID int) domain.Conversation {
	userMessage := fmt.Sprintf(
		"Repository ID: %s\nPR ID: %d\nFile: %s\nDiff Highlights:\n%s\n\n"+
			"Review the code above. If you need more context, use a tool. Otherwise, provide inline comments.",
		repoID, prID, chunk.Filename, chunk.DiffSnippet,
	)

	return domain.Conversation{
		{Role: domain.RoleSystem, Content: SystemPrompt(promptName)},
		{Role: domain.RoleUser, Content: userMessage},
	}
}

// ContextMessage conveys a completed tool call's output back to the model.
func ContextMessage(toolName, toolOutput string) domain.Message {
	content := fmt.Sprintf(
		"Additional Context for tool '%s':\n\n%s\n\n"+
			"Based on this new information, please complete your review.",
		toolName, toolOutput,
	)
	return domain.Message{Role: domain.RoleUser, Content: content}
}
