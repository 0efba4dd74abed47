// ABOUTME: Long-message splitting for transports with a per-message size cap.

package gateway

import (
	"strings"
	"unicode/utf8"
)

// maxMessageLen is the per-message character budget for WhatsApp deliveries.
const maxMessageLen = 1500

// ChunkMessage splits text into pieces of at most limit characters,
// preferring paragraph breaks, then line breaks, then sentence ends, and
// only as a last resort a hard cut.
func ChunkMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = maxMessageLen
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := splitPoint(text, limit)
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func splitPoint(text string, limit int) int {
	window := text[:limit]

	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i
	}
	best := -1
	for _, end := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(window, end); i > best {
			best = i + 1 // keep the punctuation with the leading chunk
		}
	}
	if best > 0 {
		return best
	}
	if i := strings.LastIndex(window, " "); i > 0 {
		return i
	}

	// Hard cut may not land mid-rune; back up to the start of the rune.
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		// Limit smaller than the first rune; emit the whole rune.
		_, size := utf8.DecodeRuneInString(text)
		return size
	}
	return cut
}
