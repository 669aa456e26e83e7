// Package chunker splits cleaned document text into bounded, overlapping
// segments sized for embedding.
package chunker

import "fmt"

// Default sizes, in runes. Matches the ingestion defaults in config.
const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Chunk splits text into segments of at most maxSize runes, consecutive
// segments sharing roughly overlap runes of context. When a window would end
// mid-sentence and a sentence terminator falls within the trailing quarter of
// the window, the segment is trimmed to end after the terminator.
//
// Chunk is a pure function: the same inputs always produce the same segments.
// It requires 0 < overlap < maxSize.
func Chunk(text string, maxSize, overlap int) ([]string, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", maxSize)
	}
	if overlap <= 0 || overlap >= maxSize {
		return nil, fmt.Errorf("overlap %d must be between 1 and chunk size %d", overlap, maxSize)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + maxSize
		if end > len(runes) {
			end = len(runes)
		} else if cut := trimToSentence(runes[start:end]); cut > 0 {
			end = start + cut
		}

		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}

		// Advance from the actual segment end so trimming never leaves a gap.
		// The lower bound of 1 guards against a stall when a trimmed segment
		// is shorter than the overlap.
		advance := (end - start) - overlap
		if advance < 1 {
			advance = 1
		}
		start += advance
	}

	return chunks, nil
}

// trimToSentence returns the cut position after the last sentence terminator
// in window, or 0 if no terminator falls within the trailing quarter.
func trimToSentence(window []rune) int {
	threshold := len(window) * 3 / 4
	for i := len(window) - 1; i >= threshold; i-- {
		if isTerminator(window[i]) {
			return i + 1
		}
	}
	return 0
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?':
		return true
	}
	return false
}
