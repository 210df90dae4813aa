package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/torikomi/internal/chunker"
	"github.com/hyperjump/torikomi/internal/extract"
	"github.com/hyperjump/torikomi/internal/models"
	"github.com/hyperjump/torikomi/internal/storage"
)

// Indexer receives completed documents for search indexing. It may be nil
// when the deployment runs without a search index.
type Indexer interface {
	IndexDocument(ctx context.Context, doc *models.Document, chunks []*models.DocumentChunk) error
	DeleteDocument(ctx context.Context, docID string) error
}

// ProcessHandler turns an uploaded file into a persisted document with
// chunks. The document id is derived from the task id, so a redelivered task
// overwrites its own previous partial result instead of duplicating it.
type ProcessHandler struct {
	extractor *extract.Extractor
	chunker   *chunker.Chunker
	store     storage.Storage
	index     Indexer
	logger    *zap.Logger
}

// NewProcessHandler creates the process_document handler. index may be nil.
func NewProcessHandler(extractor *extract.Extractor, ch *chunker.Chunker, store storage.Storage, index Indexer, logger *zap.Logger) *ProcessHandler {
	return &ProcessHandler{
		extractor: extractor,
		chunker:   ch,
		store:     store,
		index:     index,
		logger:    logger,
	}
}

func (h *ProcessHandler) Handle(ctx context.Context, taskID string, payload []byte, rep *Reporter) error {
	var p models.ProcessPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: malformed process payload: %v", ErrInternal, err)
	}
	rep.Milestone(ctx, 5, "received "+p.Filename)

	rep.Milestone(ctx, 10, "extracting text")
	text, err := h.extractor.Extract(p.Content, p.ContentType, p.Filename)
	if err != nil {
		return fmt.Errorf("failed to extract text from %s: %w", p.Filename, err)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyDocument, p.Filename)
	}

	rep.Milestone(ctx, 40, "splitting into chunks")
	segments := h.chunker.Chunk(text)

	docID := models.DocumentID(taskID)
	now := time.Now().UTC()
	doc := &models.Document{
		ID:          docID,
		Filename:    p.Filename,
		ContentType: p.ContentType,
		SizeBytes:   int64(len(p.Content)),
		ChunkCount:  len(segments),
		UploadTime:  now,
	}
	chunks := make([]*models.DocumentChunk, len(segments))
	for i, seg := range segments {
		chunks[i] = &models.DocumentChunk{
			ID:         fmt.Sprintf("%s_%d", docID, seg.Index),
			DocumentID: docID,
			ChunkIndex: seg.Index,
			Text:       seg.Text,
			CharStart:  seg.Start,
			CharEnd:    seg.End,
		}
	}

	rep.Milestone(ctx, 70, "saving document")
	if err := h.store.ReplaceDocument(ctx, doc, chunks); err != nil {
		return fmt.Errorf("failed to save document %s: %w", docID, err)
	}

	if h.index != nil {
		if err := h.index.IndexDocument(ctx, doc, chunks); err != nil {
			// The document is durable; search catches up on the retry.
			return fmt.Errorf("failed to index document %s: %w", docID, err)
		}
	}

	rep.Milestone(ctx, 100, "document processed")
	h.logger.Info("document processed",
		zap.String("document_id", docID),
		zap.String("filename", p.Filename),
		zap.Int("chunks", len(segments)))
	return nil
}
