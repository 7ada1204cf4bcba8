package encoder

import (
	"context"
	"fmt"
	"strings"

	"recalld/internal/memory"
)

// ContextProvider is the deterministic SemanticProvider. It lifts the
// understanding from the recognized event context keys (summary, intent,
// entities, relationships) and falls back to simple content heuristics when
// a key is absent. No network, no model; the same event always produces the
// same understanding.
type ContextProvider struct{}

// Understand derives an Understanding from the event context and content.
func (ContextProvider) Understand(_ context.Context, event memory.RawEvent) (memory.Understanding, error) {
	u := memory.Understanding{}

	if event.Context != nil {
		if s, ok := event.Context["summary"].(string); ok {
			u.Summary = s
		}
		if s, ok := event.Context["intent"].(string); ok {
			u.Intent = s
		}
		u.Entities = stringSlice(event.Context["entities"])
		u.Relationships = stringSlice(event.Context["relationships"])
	}

	if u.Intent == "" {
		u.Intent = classifyIntent(event.Content)
	}
	if u.Summary == "" {
		u.Summary = firstSentence(event.Content)
	}
	return u, nil
}

// stringSlice coerces []string or []any-of-string context values.
func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprintf("%v", item))
			}
		}
		return out
	default:
		return nil
	}
}

// classifyIntent assigns a coarse intent label from surface features of the
// content. Callers that know better pass intent via the event context.
func classifyIntent(content string) string {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "?"):
		return memory.IntentUserQuestion
	case strings.HasPrefix(lower, "i prefer") || strings.HasPrefix(lower, "i like") || strings.HasPrefix(lower, "i want"):
		return memory.IntentPreferenceStated
	default:
		return memory.IntentGeneral
	}
}

func firstSentence(content string) string {
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if idx := strings.Index(content, sep); idx > 0 {
			return content[:idx+1]
		}
	}
	return clip(content, summaryClipChars)
}
