package service

import (
	"strings"

	"github.com/cloo-solutions/siriusdms/internal/domain"
)

// ChunkConfig controls how extracted text is split before embedding.
// Size and Overlap are measured in runes.
type ChunkConfig struct {
	Size    int
	Overlap int
}

// DefaultChunkConfig provides sane defaults for chunking.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		Size:    500,
		Overlap: 100,
	}
}

// breakSeparators are tried in order when a window would end mid-text.
var breakSeparators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(". "),
	[]rune("! "),
	[]rune("? "),
}

// Chunk splits text into overlapping windows of at most cfg.Size runes.
// A window that would end inside the text is cut after the last paragraph
// break, line break or sentence end it contains. Each chunk's Text is exactly
// the runes in [StartOffset, EndOffset). Windows holding only whitespace are
// skipped.
func Chunk(text string, cfg ChunkConfig) []domain.TextChunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if cfg.Size <= 0 {
		cfg = DefaultChunkConfig()
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}

	runes := []rune(text)
	n := len(runes)
	chunks := make([]domain.TextChunk, 0, n/cfg.Size+1)

	start := 0
	for start < n {
		end := start + cfg.Size
		if end >= n {
			end = n
		} else {
			end = cutPoint(runes, start, end)
		}

		segment := string(runes[start:end])
		if strings.TrimSpace(segment) != "" {
			chunks = append(chunks, domain.TextChunk{
				Text:          segment,
				StartOffset:   start,
				EndOffset:     end,
				SequenceIndex: len(chunks),
			})
		}

		if end == n {
			break
		}

		// start must strictly increase or overlap >= size would never finish
		next := end - cfg.Overlap
		if next < start+1 {
			next = start + 1
		}
		start = next
	}

	return chunks
}

// cutPoint returns the end of the window [start, end), moved back to just
// after the highest-priority separator found inside it.
func cutPoint(runes []rune, start, end int) int {
	for _, sep := range breakSeparators {
		if pos := lastIndex(runes, sep, start, end); pos >= 0 {
			return pos + len(sep)
		}
	}
	return end
}

// lastIndex finds the last occurrence of sep fully contained in runes[start:end].
func lastIndex(runes, sep []rune, start, end int) int {
	for i := end - len(sep); i >= start; i-- {
		match := true
		for j, r := range sep {
			if runes[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
