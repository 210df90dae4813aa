// Package models defines core data structures for documents, chunks, and tasks.
package models

import "time"

// Document represents a fully processed document. A document row only exists
// after its processing pipeline completed; there is no partially chunked state.
type Document struct {
	ID          string    `json:"id" db:"id"`
	Filename    string    `json:"filename" db:"filename"`
	ContentType string    `json:"content_type" db:"content_type"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	ChunkCount  int       `json:"chunk_count" db:"chunk_count"`
	UploadTime  time.Time `json:"upload_time" db:"upload_time"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// DocumentChunk is an ordered, bounded-size segment of a document's extracted
// text. CharStart and CharEnd are rune offsets into the extracted text.
type DocumentChunk struct {
	ID         string    `json:"id" db:"id"`
	DocumentID string    `json:"document_id" db:"document_id"`
	ChunkIndex int       `json:"chunk_index" db:"chunk_index"`
	Text       string    `json:"text" db:"text"`
	CharStart  int       `json:"char_start" db:"char_start"`
	CharEnd    int       `json:"char_end" db:"char_end"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// DocumentID derives the document identity for a processing task. The mapping
// is deterministic so a redelivered task writes the same document row instead
// of creating a duplicate.
func DocumentID(taskID string) string {
	return "doc-" + taskID
}
