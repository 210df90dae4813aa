// Package storage defines the persistence interface for documents and chunks.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/torikomi/internal/models"
)

// ErrNotFound is returned when a document or chunk does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines document and chunk persistence operations.
//
// Documents are only ever written through ReplaceDocument, in a single
// transaction together with all their chunks; callers never observe a
// document whose chunk_count disagrees with its persisted chunk rows.
type Storage interface {
	// ReplaceDocument atomically upserts doc and replaces all its chunks.
	// Keyed by doc.ID, so re-running a redelivered task converges to exactly
	// one document with the chunks of the latest run.
	ReplaceDocument(ctx context.Context, doc *models.Document, chunks []*models.DocumentChunk) error

	GetDocument(ctx context.Context, id string) (*models.Document, error)

	// ListDocuments returns a page of documents ordered by upload time
	// descending, plus the total document count.
	ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, int64, error)

	// GetChunks returns a page of a document's chunks ordered by chunk index,
	// plus the document's total chunk count.
	GetChunks(ctx context.Context, docID string, offset, limit int) ([]*models.DocumentChunk, int64, error)

	// DeleteDocument removes a document and its chunks in one transaction.
	DeleteDocument(ctx context.Context, id string) error

	// ListDocumentIDsOlderThan returns ids of documents uploaded before cutoff.
	ListDocumentIDsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)

	CountDocuments(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)

	Close() error
}
