package http

import (
	"regexp"
	"strings"
)

// Compile once and reuse. Greedy from the first ```json (or ```) fence to
// the LAST closing fence, so nested code blocks inside comment suggestions
// don't truncate the match.
var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*([\\s\\S]*)```")

// ExtractJSONFromMarkdown extracts JSON from markdown code blocks.
//
// Backends are asked for JSON-only output, but models occasionally wrap the
// object in a ``` fence anyway. Returns the fenced content if a block is
// found, otherwise the trimmed original text (which may already be raw JSON).
func ExtractJSONFromMarkdown(text string) string {
	matches := jsonBlockRegex.FindStringSubmatch(text)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return strings.TrimSpace(text)
}
