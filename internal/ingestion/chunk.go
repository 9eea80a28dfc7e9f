package ingestion

import (
	"regexp"
	"strings"
)

// DefaultMaxChunkChars is the chunk window used when none is configured.
const DefaultMaxChunkChars = 18000

var spaceRun = regexp.MustCompile(`\s+`)

// Chunk collapses whitespace in text and splits it into windows of at most
// maxChars runes. Blank text yields no chunks.
func Chunk(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChunkChars
	}
	clean := strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
	if clean == "" {
		return nil
	}
	runes := []rune(clean)
	chunks := make([]string, 0, len(runes)/maxChars+1)
	for start := 0; start < len(runes); start += maxChars {
		end := min(start+maxChars, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
