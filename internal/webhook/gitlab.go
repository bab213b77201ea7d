package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/bkyoung/review-pipeline/internal/domain"
)

// gitlabActions are the merge request actions that start a review.
var gitlabActions = map[string]bool{
	"open":   true,
	"update": true,
	"reopen": true,
}

// handleGitLab authenticates and dispatches a GitLab webhook delivery.
// GitLab authenticates with a shared token header rather than a body
// signature.
func (s *Server) handleGitLab(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: "Unable to read request body"})
		return
	}

	if s.cfg.GitLabWebhookSecret == "" {
		s.logger.Error("GITLAB_WEBHOOK_SECRET is not configured")
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "Server configuration error"})
		return
	}

	token := r.Header.Get("X-Gitlab-Token")
	if !VerifyToken(token, s.cfg.GitLabWebhookSecret) {
		s.logger.Warn("gitlab token verification failed",
			"delivery", r.Header.Get("X-Gitlab-Event-UUID"))
		writeJSON(w, http.StatusUnauthorized, response{Status: "error", Message: "Invalid token"})
		return
	}

	var event MergeRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: "Invalid JSON payload"})
		return
	}

	eventType := r.Header.Get("X-Gitlab-Event")
	deliveryID := r.Header.Get("X-Gitlab-Event-UUID")
	action := event.ObjectAttributes.Action

	if eventType != "Merge Request Hook" || !gitlabActions[action] {
		s.logger.Info("ignoring gitlab event", "event", eventType, "action", action)
		writeAccepted(w)
		return
	}

	task := domain.OrchestratorTask{
		Action:          domain.ActionStartPRReview,
		ReviewRequestID: uuid.NewString(),
		Provider:        "gitlab",
		Repo:            event.Project.PathWithNamespace,
		PRNumber:        event.ObjectAttributes.IID,
		DeliveryID:      deliveryID,
	}

	if err := s.publisher.Publish(r.Context(), s.cfg.OrchestratorQueue, task); err != nil {
		s.logger.Error("failed to enqueue review", "error", err, "repo", task.Repo, "mr", task.PRNumber)
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "Failed to enqueue task"})
		return
	}

	s.logger.Info("review enqueued",
		"provider", "gitlab", "repo", task.Repo, "mr", task.PRNumber,
		"review_request_id", task.ReviewRequestID, "delivery", deliveryID)
	writeAccepted(w)
}
