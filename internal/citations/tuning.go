package citations

import (
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Segmentation limits shared by the fuzzy strategies.
const (
	MinWordLength      = 3  // words this short carry no matching signal
	MinSentenceLength  = 20 // discard sentence fragments below this
	MinParagraphLength = 50 // discard paragraph stubs below this
)

// Config carries the tuning knobs for the matching cascade. The thresholds
// were set empirically against real summarization transcripts; treat them as
// tuning parameters, not contract.
type Config struct {
	MinWordLength      int `yaml:"min_word_length"`
	MinSentenceLength  int `yaml:"min_sentence_length"`
	MinParagraphLength int `yaml:"min_paragraph_length"`

	KeyPhraseCandidate float64 `yaml:"key_phrase_candidate"`
	KeyPhraseMatch     float64 `yaml:"key_phrase_match"`
	KeywordCandidate   float64 `yaml:"keyword_candidate"`
	KeywordMatch       float64 `yaml:"keyword_match"`
	ParagraphCandidate float64 `yaml:"paragraph_candidate"`
	ParagraphMatch     float64 `yaml:"paragraph_match"`

	Stopwords []string `yaml:"stopwords"`

	stopwordSet map[string]struct{}
}

// DefaultConfig returns the tuning used in production when no override file
// is present.
func DefaultConfig() Config {
	cfg := Config{
		MinWordLength:      MinWordLength,
		MinSentenceLength:  MinSentenceLength,
		MinParagraphLength: MinParagraphLength,
		KeyPhraseCandidate: 0.4,
		KeyPhraseMatch:     0.7,
		KeywordCandidate:   0.3,
		KeywordMatch:       0.6,
		ParagraphCandidate: 0.3,
		ParagraphMatch:     0.5,
		Stopwords: []string{
			"the", "and", "that", "this", "with", "from", "they", "have",
			"been", "were", "will", "would", "could", "should", "their",
			"there", "where", "which", "while", "about", "after", "before",
			"into", "over", "under", "than", "then", "them", "these", "those",
			"when", "what", "your", "more", "most", "some", "such", "only",
			"also", "very", "just", "being", "does", "each", "other",
		},
	}
	cfg.buildStopwordSet()
	return cfg
}

var (
	tuningConfig     *Config
	tuningConfigOnce sync.Once
)

// TuningConfigPath returns the override file path, checking the env var first.
func TuningConfigPath() string {
	if envPath := os.Getenv("CITATION_MATCHING_CONFIG"); envPath != "" {
		return envPath
	}
	return "/app/config/citation_matching.yaml"
}

// LoadConfig loads matcher tuning from the override file, falling back to
// defaults when the file is absent or unparseable. Loaded once per process.
func LoadConfig() Config {
	tuningConfigOnce.Do(func() {
		def := DefaultConfig()
		path := TuningConfigPath()

		data, err := os.ReadFile(path)
		if err != nil {
			tuningConfig = &def
			return
		}

		cfg := def
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Printf("Warning: failed to parse citation matching config %s: %v. Using defaults.", path, err)
			tuningConfig = &def
			return
		}
		cfg.buildStopwordSet()
		tuningConfig = &cfg
		log.Printf("Loaded citation matching config from %s", path)
	})
	return *tuningConfig
}

// ResetConfigForTest resets the singleton. Test code only.
func ResetConfigForTest() {
	tuningConfigOnce = sync.Once{}
	tuningConfig = nil
}

func (c *Config) buildStopwordSet() {
	c.stopwordSet = make(map[string]struct{}, len(c.Stopwords))
	for _, w := range c.Stopwords {
		c.stopwordSet[w] = struct{}{}
	}
}

// keywords tokenizes and drops stopwords; input may be mixed case.
func (c Config) keywords(s string) []string {
	words := splitWords(s, c.MinWordLength)
	out := words[:0]
	for _, w := range words {
		if _, stop := c.stopwordSet[w]; !stop {
			out = append(out, w)
		}
	}
	return out
}
