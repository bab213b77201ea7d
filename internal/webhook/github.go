package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/bkyoung/review-pipeline/internal/domain"
)

// githubActions are the pull_request actions that start a review: a new PR
// or new commits on an existing one.
var githubActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// handleGitHub authenticates and dispatches a GitHub webhook delivery.
// The raw body must be read before any parsing: the signature covers the
// exact bytes on the wire.
func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: "Unable to read request body"})
		return
	}

	if s.cfg.GitHubWebhookSecret == "" {
		s.logger.Error("GITHUB_WEBHOOK_SECRET is not configured")
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "Server configuration error"})
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if !VerifySignature(body, signature, s.cfg.GitHubWebhookSecret) {
		s.logger.Warn("github signature verification failed",
			"delivery", r.Header.Get("X-GitHub-Delivery"))
		writeJSON(w, http.StatusUnauthorized, response{Status: "error", Message: "Invalid signature"})
		return
	}

	var event PullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: "Invalid JSON payload"})
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	if eventType != "pull_request" || !githubActions[event.Action] {
		s.logger.Info("ignoring github event", "event", eventType, "action", event.Action)
		writeAccepted(w)
		return
	}

	task := domain.OrchestratorTask{
		Action:          domain.ActionStartPRReview,
		ReviewRequestID: uuid.NewString(),
		Provider:        "github",
		Repo:            event.Repository.FullName,
		PRNumber:        event.Number,
		DeliveryID:      deliveryID,
	}

	if err := s.publisher.Publish(r.Context(), s.cfg.OrchestratorQueue, task); err != nil {
		s.logger.Error("failed to enqueue review", "error", err, "repo", task.Repo, "pr", task.PRNumber)
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "Failed to enqueue task"})
		return
	}

	s.logger.Info("review enqueued",
		"provider", "github", "repo", task.Repo, "pr", task.PRNumber,
		"review_request_id", task.ReviewRequestID, "delivery", deliveryID)
	writeAccepted(w)
}
