// Package citations extracts footnote-style citations from raw model output
// and resolves them to spans inside the original source document.
package citations

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// Trailer marker emitted by the summarization prompt. Case-insensitive,
	// first occurrence wins; everything from the marker onward is stripped
	// from display content.
	sectionRe = regexp.MustCompile(`(?i)citations:`)

	// One well-formed entry: bracketed integer followed by a double-quoted
	// excerpt. Entries that fail this shape are skipped, not partially parsed.
	entryRe = regexp.MustCompile(`\[(\d+)\]\s*"([^"]*)"`)
)

// Parse splits raw model output into display content and an unmatched citation
// list. A missing CITATIONS trailer is not an error: the whole text becomes
// content and the citation list is empty. Parse never fails on malformed input.
func Parse(rawText string) ProcessedResponse {
	loc := sectionRe.FindStringIndex(rawText)
	if loc == nil {
		return ProcessedResponse{Content: rawText, Citations: []Citation{}}
	}

	content := strings.TrimSpace(rawText[:loc[0]])
	section := rawText[loc[1]:]

	var cites []Citation
	for _, m := range entryRe.FindAllStringSubmatch(section, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil || id <= 0 {
			continue
		}
		// Duplicate ids are legal and kept; the UI decides lookup semantics.
		cites = append(cites, Unmatched(id, strings.TrimSpace(m[2])))
	}
	if cites == nil {
		cites = []Citation{}
	}

	return ProcessedResponse{
		Content:      content,
		Citations:    cites,
		HasCitations: len(cites) > 0,
	}
}
