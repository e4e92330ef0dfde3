package selector

import (
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/recall/internal/metadata"
)

// contextSeparator separates result blocks in FormatContext output.
const contextSeparator = "\n\n---\n\n"

// EstimateTokens approximates a token count as ceil(characters / 4).
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// SourceName labels a result by filename, then source, then document ID.
func SourceName(r metadata.Record) string {
	for _, key := range []string{metadata.KeyFilename, metadata.KeySource, metadata.KeyDocumentID} {
		if s := r.GetString(key); s != "" {
			return s
		}
	}
	return "unknown"
}

// FormatContext renders results as "[Source: name]" blocks separated by
// "---" lines.
func FormatContext(results []ContextResult) string {
	if len(results) == 0 {
		return ""
	}
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = "[Source: " + SourceName(r.Metadata) + "]\n" + strings.TrimSpace(r.Content)
	}
	return strings.Join(blocks, contextSeparator)
}
