// Package keyword provides keyword (BM25) search over document chunks.
package keyword

import (
	"context"

	"github.com/hyperjump/torikomi/internal/models"
)

// KeywordIndex defines chunk-level keyword search operations.
type KeywordIndex interface {
	// IndexDocument indexes all chunks of a document, replacing any chunks
	// previously indexed under the same document id.
	IndexDocument(ctx context.Context, doc *models.Document, chunks []*models.DocumentChunk) error
	Search(ctx context.Context, query string, limit int) ([]*Result, error)
	// DeleteDocument removes every chunk of the document from the index.
	DeleteDocument(ctx context.Context, docID string) error
	// ChunkCount returns the total number of indexed chunks.
	ChunkCount() (uint64, error)
	Close() error
}

// Result is a single keyword search hit at chunk granularity.
type Result struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}
