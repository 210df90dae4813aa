// Package chunker splits extracted text into ordered fixed-size segments.
package chunker

// Segment is one chunk of text with its position in the source.
// Start and End are rune offsets; End is exclusive.
type Segment struct {
	Index int
	Text  string
	Start int
	End   int
}

// Chunker splits text into non-overlapping fixed-size segments.
type Chunker struct {
	chunkSize int
}

// New creates a chunker with the given segment size in characters (runes).
// A size of 0 or less falls back to 1000.
func New(chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &Chunker{chunkSize: chunkSize}
}

// Chunk splits text into segments of at most chunkSize characters. Segment 0
// starts at offset 0 and the final segment may be shorter. The same text and
// size always produce identical boundaries. Empty text yields no segments.
func (c *Chunker) Chunk(text string) []Segment {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	segments := make([]Segment, 0, (len(runes)+c.chunkSize-1)/c.chunkSize)
	for start := 0; start < len(runes); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		segments = append(segments, Segment{
			Index: len(segments),
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})
	}
	return segments
}
