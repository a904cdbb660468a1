package citations

// Field names are the wire contract with the web UI; do not rename tags.

// Citation is a single footnote-style reference extracted from model output,
// optionally resolved to a span inside the original source document.
type Citation struct {
	ID         int    `json:"id"`
	SourceText string `json:"sourceText"`

	// Character offsets into the source document; -1 when not located.
	StartIndex int `json:"startIndex"`
	EndIndex   int `json:"endIndex"`

	IsMatched   bool    `json:"isMatched"`
	MatchedText string  `json:"matchedText,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// ProcessedResponse is the final form of one AI turn: display content with the
// CITATIONS trailer stripped, plus the citation list in appearance order.
type ProcessedResponse struct {
	Content      string     `json:"content"`
	Citations    []Citation `json:"citations"`
	HasCitations bool       `json:"hasCitations"`
}

// Unmatched returns a citation carrying only id and excerpt, with the
// not-located sentinels set.
func Unmatched(id int, sourceText string) Citation {
	return Citation{
		ID:         id,
		SourceText: sourceText,
		StartIndex: -1,
		EndIndex:   -1,
	}
}
