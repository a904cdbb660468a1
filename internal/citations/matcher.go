package citations

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/kalviumcommunity/sumanize/internal/metrics"
)

// MatchCandidate is one strategy's proposal for where an excerpt lives in the
// source document. A candidate below the strategy's match threshold is still
// surfaced (best-effort span for the UI) but with Matched false.
type MatchCandidate struct {
	Start      int
	End        int
	Confidence float64
	Matched    bool
}

// Strategy locates a citation excerpt inside a pre-segmented document.
// Implementations are ordered strictest-first; the first one that clears its
// own match threshold short-circuits the cascade.
type Strategy interface {
	Name() string
	AttemptMatch(sourceText string, doc *Document) (MatchCandidate, bool)
}

// Matcher runs the strategy cascade over a citation list.
type Matcher struct {
	cfg        Config
	strategies []Strategy
}

// NewMatcher builds the standard cascade: exact, case-insensitive, key-phrase
// sentence, keyword-overlap sentence, paragraph word-overlap.
func NewMatcher(cfg Config) *Matcher {
	return &Matcher{
		cfg: cfg,
		strategies: []Strategy{
			exactStrategy{},
			caseFoldStrategy{},
			keyPhraseStrategy{cfg: cfg},
			keywordOverlapStrategy{cfg: cfg},
			paragraphStrategy{cfg: cfg},
		},
	}
}

// Strategies exposes the cascade order, mainly for logging and tests.
func (m *Matcher) Strategies() []Strategy { return m.strategies }

// MatchAll resolves each citation against the source document. The input slice
// is not mutated. Pass-through when there is nothing to match against.
func (m *Matcher) MatchAll(cites []Citation, sourceDocument string) []Citation {
	if len(cites) == 0 || strings.TrimSpace(sourceDocument) == "" {
		return cites
	}
	doc := NewDocument(sourceDocument, m.cfg)
	out := make([]Citation, len(cites))
	for i, c := range cites {
		out[i] = m.matchOne(c, doc)
	}
	return out
}

func (m *Matcher) matchOne(c Citation, doc *Document) Citation {
	if strings.TrimSpace(c.SourceText) == "" {
		return c
	}
	best := MatchCandidate{Start: -1, End: -1}
	for _, s := range m.strategies {
		cand, ok := s.AttemptMatch(c.SourceText, doc)
		if !ok {
			continue
		}
		if cand.Matched {
			metrics.CitationStrategyHits.WithLabelValues(s.Name()).Inc()
			return applyCandidate(c, cand, doc.Text)
		}
		if cand.Confidence > best.Confidence {
			best = cand
		}
	}
	if best.Start >= 0 {
		return applyCandidate(c, best, doc.Text)
	}
	return c
}

func applyCandidate(c Citation, cand MatchCandidate, text string) Citation {
	c.StartIndex = cand.Start
	c.EndIndex = cand.End
	c.IsMatched = cand.Matched
	c.Confidence = cand.Confidence
	c.MatchedText = text[cand.Start:cand.End]
	return c
}

// --- strategies ---

// exactStrategy: verbatim substring, first occurrence. Confidence 1.0.
type exactStrategy struct{}

func (exactStrategy) Name() string { return "exact" }

func (exactStrategy) AttemptMatch(sourceText string, doc *Document) (MatchCandidate, bool) {
	idx := strings.Index(doc.Text, sourceText)
	if idx < 0 {
		return MatchCandidate{}, false
	}
	return MatchCandidate{Start: idx, End: idx + len(sourceText), Confidence: 1.0, Matched: true}, true
}

// caseFoldStrategy: case-insensitive substring, first occurrence, span taken
// from the original-case document. Confidence 0.9.
type caseFoldStrategy struct{}

func (caseFoldStrategy) Name() string { return "case_insensitive" }

func (caseFoldStrategy) AttemptMatch(sourceText string, doc *Document) (MatchCandidate, bool) {
	start, end := foldIndex(doc.Text, sourceText)
	if start < 0 {
		return MatchCandidate{}, false
	}
	return MatchCandidate{Start: start, End: end, Confidence: 0.9, Matched: true}, true
}

// keyPhraseStrategy: best sentence by fraction of excerpt words present in it.
type keyPhraseStrategy struct{ cfg Config }

func (keyPhraseStrategy) Name() string { return "key_phrase" }

func (s keyPhraseStrategy) AttemptMatch(sourceText string, doc *Document) (MatchCandidate, bool) {
	words := splitWords(sourceText, s.cfg.MinWordLength)
	if len(words) == 0 {
		return MatchCandidate{}, false
	}
	var best MatchCandidate
	found := false
	for _, sent := range doc.Sentences() {
		matched := 0
		for _, w := range words {
			if wordInSegment(w, sent.lower, sent.words) {
				matched++
			}
		}
		ratio := float64(matched) / float64(len(words))
		if ratio > s.cfg.KeyPhraseCandidate && ratio > best.Confidence {
			best = MatchCandidate{
				Start:      sent.start,
				End:        sent.end,
				Confidence: ratio,
				Matched:    ratio > s.cfg.KeyPhraseMatch,
			}
			found = true
		}
	}
	return best, found
}

// keywordOverlapStrategy: stopword-filtered keyword sets compared by loose
// equality (equal, contains, or contained-by).
type keywordOverlapStrategy struct{ cfg Config }

func (keywordOverlapStrategy) Name() string { return "keyword_overlap" }

func (s keywordOverlapStrategy) AttemptMatch(sourceText string, doc *Document) (MatchCandidate, bool) {
	keysA := s.cfg.keywords(sourceText)
	if len(keysA) == 0 {
		return MatchCandidate{}, false
	}
	var best MatchCandidate
	found := false
	for _, sent := range doc.Sentences() {
		keysB := s.cfg.keywords(sent.lower)
		if len(keysB) == 0 {
			continue
		}
		overlap := 0
		for _, a := range keysA {
			for _, b := range keysB {
				if a == b || strings.Contains(a, b) || strings.Contains(b, a) {
					overlap++
					break
				}
			}
		}
		denom := len(keysA)
		if len(keysB) > denom {
			denom = len(keysB)
		}
		sim := float64(overlap) / float64(denom)
		if sim > s.cfg.KeywordCandidate && sim > best.Confidence {
			best = MatchCandidate{
				Start:      sent.start,
				End:        sent.end,
				Confidence: sim,
				Matched:    sim > s.cfg.KeywordMatch,
			}
			found = true
		}
	}
	return best, found
}

// paragraphStrategy: loosest fallback, word-overlap ratio against blank-line
// delimited paragraphs.
type paragraphStrategy struct{ cfg Config }

func (paragraphStrategy) Name() string { return "paragraph" }

func (s paragraphStrategy) AttemptMatch(sourceText string, doc *Document) (MatchCandidate, bool) {
	words := splitWords(sourceText, s.cfg.MinWordLength)
	if len(words) == 0 {
		return MatchCandidate{}, false
	}
	var best MatchCandidate
	found := false
	for _, para := range doc.Paragraphs() {
		matched := 0
		for _, w := range words {
			if strings.Contains(para.lower, w) {
				matched++
			}
		}
		ratio := float64(matched) / float64(len(words))
		if ratio > s.cfg.ParagraphCandidate && ratio > best.Confidence {
			best = MatchCandidate{
				Start:      para.start,
				End:        para.end,
				Confidence: ratio,
				Matched:    ratio > s.cfg.ParagraphMatch,
			}
			found = true
		}
	}
	return best, found
}

// --- document segmentation ---

// Document is a source document lazily segmented so the per-citation strategy
// scans do not re-split on every attempt. Segment offsets always refer to
// Text; lowered copies exist per segment only, since lowercasing can change
// byte lengths.
type Document struct {
	Text string

	cfg        Config
	sentences  []segment
	paragraphs []segment
	segmented  bool
	paraDone   bool
}

type segment struct {
	start, end int
	lower      string
	words      []string
}

func NewDocument(text string, cfg Config) *Document {
	return &Document{Text: text, cfg: cfg}
}

var sentenceEndRe = regexp.MustCompile(`[.!?]`)

// Sentences splits on . ! ? and drops fragments shorter than the configured
// minimum. Offsets refer to the trimmed sentence within the original text.
func (d *Document) Sentences() []segment {
	if d.segmented {
		return d.sentences
	}
	d.segmented = true
	prev := 0
	bounds := sentenceEndRe.FindAllStringIndex(d.Text, -1)
	for _, b := range bounds {
		d.addSentence(prev, b[1])
		prev = b[1]
	}
	d.addSentence(prev, len(d.Text))
	return d.sentences
}

func (d *Document) addSentence(start, end int) {
	start, end = trimBounds(d.Text, start, end)
	if end-start < d.cfg.MinSentenceLength {
		return
	}
	lower := strings.ToLower(d.Text[start:end])
	d.sentences = append(d.sentences, segment{
		start: start,
		end:   end,
		lower: lower,
		words: splitWords(lower, d.cfg.MinWordLength),
	})
}

var blankLineRe = regexp.MustCompile(`\n[ \t]*\n`)

// Paragraphs splits on blank lines and drops blocks shorter than the
// configured minimum.
func (d *Document) Paragraphs() []segment {
	if d.paraDone {
		return d.paragraphs
	}
	d.paraDone = true
	prev := 0
	seps := blankLineRe.FindAllStringIndex(d.Text, -1)
	for _, sep := range seps {
		d.addParagraph(prev, sep[0])
		prev = sep[1]
	}
	d.addParagraph(prev, len(d.Text))
	return d.paragraphs
}

func (d *Document) addParagraph(start, end int) {
	start, end = trimBounds(d.Text, start, end)
	if end-start < d.cfg.MinParagraphLength {
		return
	}
	d.paragraphs = append(d.paragraphs, segment{
		start: start,
		end:   end,
		lower: strings.ToLower(d.Text[start:end]),
	})
}

// --- word helpers ---

// splitWords lowercases and tokenizes on non-alphanumerics, keeping words
// strictly longer than minLen.
func splitWords(s string, minLen int) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > minLen {
			out = append(out, f)
		}
	}
	return out
}

// foldIndex locates the first case-insensitive occurrence of needle in text
// and returns its byte span there, or -1,-1. Folding is rune by rune so the
// span always refers to text; strings.ToLower is unusable for this because
// its special mappings change byte lengths.
func foldIndex(text, needle string) (int, int) {
	want := make([]rune, 0, len(needle))
	for _, r := range needle {
		want = append(want, unicode.ToLower(r))
	}
	if len(want) == 0 {
		return -1, -1
	}
	runes := make([]rune, 0, len(text))
	offs := make([]int, 0, len(text)+1)
	for i, r := range text {
		runes = append(runes, r)
		offs = append(offs, i)
	}
	offs = append(offs, len(text))

	for i := 0; i+len(want) <= len(runes); i++ {
		hit := true
		for j, w := range want {
			if unicode.ToLower(runes[i+j]) != w {
				hit = false
				break
			}
		}
		if hit {
			return offs[i], offs[i+len(want)]
		}
	}
	return -1, -1
}

// wordInSegment reports containment in either direction: the segment text
// contains the word, or the word contains one of the segment's own words.
func wordInSegment(w, segLower string, segWords []string) bool {
	if strings.Contains(segLower, w) {
		return true
	}
	for _, sw := range segWords {
		if strings.Contains(w, sw) {
			return true
		}
	}
	return false
}

func trimBounds(text string, start, end int) (int, int) {
	for start < end && isSpace(text[start]) {
		start++
	}
	for end > start && isSpace(text[end-1]) {
		end--
	}
	return start, end
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
