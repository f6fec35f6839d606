// Package docstore is the semantic document store experts consult for
// grounding passages. Documents are chunked and indexed with SQLite FTS5 and
// searched by keyword with bm25 ranking.
package docstore

import (
	"context"
	"errors"
)

// ErrEmptyContent is returned when a document has no indexable text.
var ErrEmptyContent = errors.New("document has no content")

// Default search and chunking parameters.
const (
	DefaultTopK           = 10
	DefaultScoreThreshold = 0.3
	DefaultChunkSize      = 1000
	DefaultChunkOverlap   = 200
)

// Passage is one retrieved chunk.
//
//nolint:govet // json field order
type Passage struct {
	ChunkID    int64             `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Score      float64           `json:"score"` // relative relevance in (0, 1]
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Store is the document store contract used by lobes.
type Store interface {
	// Search returns passages relevant to any of keywords, best first.
	Search(ctx context.Context, keywords []string) ([]Passage, error)
	// Add chunks and indexes content.
	Add(ctx context.Context, content string, metadata map[string]string) error
}

// Config tunes chunking and search.
type Config struct {
	ChunkSize      int
	ChunkOverlap   int
	TopK           int
	ScoreThreshold float64
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = DefaultChunkOverlap
		if c.ChunkOverlap >= c.ChunkSize {
			c.ChunkOverlap = c.ChunkSize / 5
		}
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	switch {
	case c.ScoreThreshold == 0:
		c.ScoreThreshold = DefaultScoreThreshold
	case c.ScoreThreshold < 0: // disabled
		c.ScoreThreshold = 0
	}
	return c
}
