package outbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTextUnderLimit(t *testing.T) {
	chunks := SplitText("short message", 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short message", chunks[0])
}

func TestSplitTextExactLimit(t *testing.T) {
	chunks := SplitText("abcd", 4)
	require.Len(t, chunks, 1)
	assert.Equal(t, "abcd", chunks[0])
}

func TestSplitTextOverLimit(t *testing.T) {
	chunks := SplitText("abcdefghij", 4)
	require.Len(t, chunks, 3)
	assert.Equal(t, "abcd", chunks[0])
	assert.Equal(t, "efgh", chunks[1])
	assert.Equal(t, "ij", chunks[2])
	assert.Equal(t, "abcdefghij", strings.Join(chunks, ""))
}

func TestSplitTextRuneSafe(t *testing.T) {
	// Multibyte runes are never split mid-character.
	chunks := SplitText("日本語のテキスト", 3)
	require.Len(t, chunks, 3)
	assert.Equal(t, "日本語", chunks[0])
	assert.Equal(t, "のテキ", chunks[1])
	assert.Equal(t, "スト", chunks[2])
}

func TestChunkDedupeKey(t *testing.T) {
	assert.Equal(t, "report:1/3", ChunkDedupeKey("report", 1, 3))
	assert.Equal(t, "report:3/3", ChunkDedupeKey("report", 3, 3))
}
