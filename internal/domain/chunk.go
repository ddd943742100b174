package domain

import (
	"math"
	"time"
)

// TextChunk is a segment produced by the chunker, before it is embedded.
// Offsets are rune offsets into the source text, end exclusive.
type TextChunk struct {
	Text          string
	StartOffset   int
	EndOffset     int
	SequenceIndex int
}

// Chunk is a persisted, embedded segment of a document.
type Chunk struct {
	ID            string
	DocumentID    string
	SequenceIndex int
	Text          string
	StartOffset   int
	EndOffset     int
	Embedding     []float32
	Metadata      map[string]any
	CreatedAt     time.Time
}

// ScoredChunk is a chunk returned by similarity search together with the
// parent document fields needed to build retrieval results.
type ScoredChunk struct {
	Chunk
	DocumentTitle string
	DocumentType  string
	DocumentPath  string
	Similarity    float64
}

// L2Norm returns the euclidean norm of v.
func L2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// IsZeroVector reports whether every component of v is zero.
func IsZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Normalize scales v to unit length in place. The zero vector is left as is.
func Normalize(v []float32) []float32 {
	norm := L2Norm(v)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
