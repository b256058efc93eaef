package outbox

import "fmt"

// SplitText splits content into chunks of at most limit runes. Content at or
// under the limit comes back as a single chunk; empty content yields one
// empty chunk so callers always enqueue at least one row.
func SplitText(content string, limit int) []string {
	if limit < 1 {
		return []string{content}
	}

	runes := []rune(content)
	if len(runes) <= limit {
		return []string{content}
	}

	var chunks []string
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// ChunkDedupeKey derives a per-chunk dedupe key from the caller's key so each
// chunk of a split message dedupes independently
func ChunkDedupeKey(key string, index, total int) string {
	return fmt.Sprintf("%s:%d/%d", key, index, total)
}
