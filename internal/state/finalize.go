package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bkyoung/review-pipeline/internal/domain"
)

// RequestStore is the subset of the store the terminal roll-up needs. The
// workers pass their own store ports so tests can substitute fakes.
type RequestStore interface {
	GetReviewRequest(ctx context.Context, reviewRequestID string) (domain.ReviewRequest, error)
	SaveReviewRequest(ctx context.Context, req domain.ReviewRequest) error
	ChunksForRequest(ctx context.Context, reviewRequestID string) ([]domain.Chunk, error)
}

// FinalizeRequest marks a review request COMPLETED once every chunk in its
// set is terminal. Both the LLM and git workers drive chunks into terminal
// states, so both call this after each terminal transition. The check is
// idempotent; concurrent callers at worst write COMPLETED twice.
func FinalizeRequest(ctx context.Context, store RequestStore, logger *slog.Logger, reviewRequestID string) error {
	req, err := store.GetReviewRequest(ctx, reviewRequestID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load review request %s: %w", reviewRequestID, err)
	}
	if req.Status != domain.RequestInProgress {
		return nil
	}

	chunks, err := store.ChunksForRequest(ctx, reviewRequestID)
	if err != nil {
		return fmt.Errorf("load chunks for %s: %w", reviewRequestID, err)
	}
	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if !c.Status.Terminal() {
			return nil
		}
	}

	req.Status = domain.RequestCompleted
	if err := store.SaveReviewRequest(ctx, req); err != nil {
		return fmt.Errorf("save completed request %s: %w", reviewRequestID, err)
	}
	logger.Info("review request completed",
		"review_request_id", reviewRequestID, "chunks", len(chunks))
	return nil
}
