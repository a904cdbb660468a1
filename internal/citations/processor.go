package citations

// Processor ties parsing and matching together for one completed AI turn.
// Process is pure: same inputs always produce the same ProcessedResponse.
type Processor struct {
	matcher *Matcher
}

func NewProcessor(matcher *Matcher) *Processor {
	return &Processor{matcher: matcher}
}

// Process parses raw model output and, when a source document is available,
// resolves the parsed citations against it. An empty source document leaves
// citations unmatched rather than failing.
func (p *Processor) Process(rawText, sourceDocument string) ProcessedResponse {
	resp := Parse(rawText)
	if resp.HasCitations && sourceDocument != "" {
		resp.Citations = p.matcher.MatchAll(resp.Citations, sourceDocument)
	}
	return resp
}
