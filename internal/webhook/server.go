// Package webhook implements the ingress HTTP service: it authenticates
// provider webhooks, filters them by event and action, and enqueues
// START_PR_REVIEW jobs. All heavy work is deferred to the queue; handlers
// always respond quickly.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bkyoung/review-pipeline/internal/config"
)

// Publisher is the outbound port to the queue broker.
type Publisher interface {
	Publish(ctx context.Context, queueName string, payload any) error
}

// Server holds the ingress handlers and their collaborators.
type Server struct {
	cfg       config.Config
	publisher Publisher
	logger    *slog.Logger
}

// NewServer creates the ingress server.
func NewServer(cfg config.Config, publisher Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, publisher: publisher, logger: logger}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/webhook/github", s.handleGitHub).Methods(http.MethodPost)
	r.HandleFunc("/webhook/gitlab", s.handleGitLab).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "success", Message: "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAccepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, response{Status: "success", Message: "Event received"})
}
