package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/torikomi/internal/models"
	"github.com/hyperjump/torikomi/internal/storage"
)

// CleanupHandler deletes documents uploaded before the retention cutoff.
// Each document is removed in its own transaction, so a failure partway
// through leaves the survivors intact and the retry picks up the rest.
type CleanupHandler struct {
	store  storage.Storage
	index  Indexer
	logger *zap.Logger
}

// NewCleanupHandler creates the cleanup_documents handler. index may be nil.
func NewCleanupHandler(store storage.Storage, index Indexer, logger *zap.Logger) *CleanupHandler {
	return &CleanupHandler{store: store, index: index, logger: logger}
}

func (h *CleanupHandler) Handle(ctx context.Context, taskID string, payload []byte, rep *Reporter) error {
	var p models.CleanupPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: malformed cleanup payload: %v", ErrInternal, err)
	}
	if p.OlderThanDays < 0 {
		return fmt.Errorf("%w: cleanup retention must not be negative, got %d", ErrInternal, p.OlderThanDays)
	}

	// A retention of zero days means every existing document has expired.

	cutoff := time.Now().UTC().AddDate(0, 0, -p.OlderThanDays)
	rep.Milestone(ctx, 10, fmt.Sprintf("collecting documents older than %d days", p.OlderThanDays))

	ids, err := h.store.ListDocumentIDsOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list expired documents: %w", err)
	}
	if len(ids) == 0 {
		rep.Milestone(ctx, 100, "no expired documents")
		return nil
	}

	deleted := 0
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.store.DeleteDocument(ctx, id); err != nil {
			// Someone deleted it between the listing and now.
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("failed to delete document %s: %w", id, err)
		}
		if h.index != nil {
			if err := h.index.DeleteDocument(ctx, id); err != nil {
				return fmt.Errorf("failed to deindex document %s: %w", id, err)
			}
		}
		deleted++
		rep.Milestone(ctx, 10+(i+1)*90/len(ids), fmt.Sprintf("deleted %d/%d documents", deleted, len(ids)))
	}

	h.logger.Info("cleanup completed",
		zap.Int("deleted", deleted),
		zap.Int("older_than_days", p.OlderThanDays))
	return nil
}
