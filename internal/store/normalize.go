package store

import (
	"fmt"
	"strings"

	"recalld/internal/memory"
)

// Assistant compaction only kicks in when it actually saves space; removing
// one short repeated sentence is not worth the marker noise.
const compactionMinSavings = 40

// NormalizeContent prepares content for persistence: assistant intents are
// first compacted (sentence-level dedup) then truncated to the assistant
// limit; all other intents truncate to the general limit. Truncation appends
// a visible marker recording how many characters were dropped.
func (m *Manager) NormalizeContent(intent, content string) string {
	limit := m.cfg.MaxContentChars
	if memory.IsAssistantIntent(intent) {
		limit = m.cfg.AssistantMaxContentChars
		content = compactRepeats(content)
	}
	return truncate(content, limit)
}

func truncate(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	omitted := len(content) - limit
	marker := fmt.Sprintf(" …[truncated %d chars]", omitted)
	keep := limit - len(marker)
	if keep < 0 {
		keep = 0
	}
	return content[:keep] + marker
}

// compactRepeats splits assistant text on sentence boundaries and removes
// exact repeats, appending a marker with the removed count. The original
// text is returned unchanged when dedup saves too little.
func compactRepeats(content string) string {
	sentences := splitSentences(content)
	if len(sentences) < 2 {
		return content
	}

	seen := make(map[string]bool, len(sentences))
	kept := make([]string, 0, len(sentences))
	removed := 0
	for _, s := range sentences {
		key := strings.ToLower(strings.TrimSpace(s))
		if key == "" {
			continue
		}
		if seen[key] {
			removed++
			continue
		}
		seen[key] = true
		kept = append(kept, strings.TrimSpace(s))
	}
	if removed == 0 {
		return content
	}

	compacted := strings.Join(kept, " ")
	if len(content)-len(compacted) < compactionMinSavings {
		return content
	}
	return fmt.Sprintf("%s [deduplicated %d repeated segments]", compacted, removed)
}

// splitSentences cuts on ./!/? followed by whitespace, keeping the
// terminator with its sentence.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			end := i + 1
			if end >= len(text) || text[end] == ' ' || text[end] == '\n' || text[end] == '\t' {
				out = append(out, text[start:end])
				for end < len(text) && (text[end] == ' ' || text[end] == '\n' || text[end] == '\t') {
					end++
				}
				start = end
				i = end - 1
			}
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
