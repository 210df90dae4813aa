package keyword

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"

	"github.com/hyperjump/torikomi/internal/models"
)

// chunkEntry is the shape of one indexed chunk.
type chunkEntry struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
}

// BleveIndex implements KeywordIndex using Bleve, one index entry per chunk.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path. An existing index is
// opened and reused; remove the directory to force a full re-index after a
// mapping change.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := bleve.NewIndexMapping()

	chunkMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so queries match
	// the exact word forms that appear in the documents.
	textFieldMapping.Analyzer = standard.Name
	chunkMapping.AddFieldMappingsAt("text", textFieldMapping)
	chunkMapping.AddFieldMappingsAt("filename", textFieldMapping)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	chunkMapping.AddFieldMappingsAt("document_id", keywordFieldMapping)
	im.AddDocumentMapping("chunk", chunkMapping)
	im.DefaultType = "chunk"
	im.DefaultMapping = chunkMapping

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// IndexDocument indexes doc's chunks in one batch. Chunks previously indexed
// under the same document id are dropped first, so re-processing a document
// never leaves stale chunks behind.
func (b *BleveIndex) IndexDocument(ctx context.Context, doc *models.Document, chunks []*models.DocumentChunk) error {
	staleIDs, err := b.chunkIDs(doc.ID)
	if err != nil {
		return err
	}

	batch := b.index.NewBatch()
	for _, id := range staleIDs {
		batch.Delete(id)
	}
	for _, ch := range chunks {
		entry := chunkEntry{
			DocumentID: doc.ID,
			Filename:   doc.Filename,
			ChunkIndex: ch.ChunkIndex,
			Text:       ch.Text,
		}
		if err := batch.Index(ch.ID, entry); err != nil {
			return fmt.Errorf("failed to add chunk %s to batch: %w", ch.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
	}
	return nil
}

// Search runs a match query over chunk text and filename.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int) ([]*Result, error) {
	q := bleve.NewMatchQuery(query)
	search := bleve.NewSearchRequest(q)
	search.Size = limit
	search.Fields = []string{"document_id", "filename", "chunk_index"}
	results, err := b.index.SearchInContext(ctx, search)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	out := make([]*Result, len(results.Hits))
	for i, hit := range results.Hits {
		r := &Result{ChunkID: hit.ID, Score: hit.Score}
		if v, ok := hit.Fields["document_id"].(string); ok {
			r.DocumentID = v
		}
		if v, ok := hit.Fields["filename"].(string); ok {
			r.Filename = v
		}
		if v, ok := hit.Fields["chunk_index"].(float64); ok {
			r.ChunkIndex = int(v)
		}
		out[i] = r
	}
	return out, nil
}

// DeleteDocument removes all of the document's chunks from the index.
func (b *BleveIndex) DeleteDocument(ctx context.Context, docID string) error {
	ids, err := b.chunkIDs(docID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to deindex document %s: %w", docID, err)
	}
	return nil
}

// ChunkCount returns the total number of indexed chunks.
func (b *BleveIndex) ChunkCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the underlying index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// chunkIDs lists the index entry ids belonging to one document.
func (b *BleveIndex) chunkIDs(docID string) ([]string, error) {
	q := bleve.NewTermQuery(docID)
	q.SetField("document_id")
	search := bleve.NewSearchRequest(q)
	search.Size = 10000
	var ids []string
	for {
		results, err := b.index.Search(search)
		if err != nil {
			return nil, fmt.Errorf("failed to look up chunks of %s: %w", docID, err)
		}
		for _, hit := range results.Hits {
			ids = append(ids, hit.ID)
		}
		if len(results.Hits) < search.Size {
			return ids, nil
		}
		search.From += search.Size
	}
}
