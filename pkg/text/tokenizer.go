package text

import (
	"strings"
	"unicode"
)

// Tokenizer normalizes prompt text into lowercase word tokens and n-gram
// shingles so that near-duplicate prompts can be compared with Jaccard
// similarity regardless of punctuation or formatting drift.
type Tokenizer struct {
	StopWords   map[string]bool
	ShingleSize int // Default: 2 (bigrams)
}

// DefaultStopWords returns common English stop words
func DefaultStopWords() map[string]bool {
	words := []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "will", "with",
	}
	stopWords := make(map[string]bool, len(words))
	for _, w := range words {
		stopWords[w] = true
	}
	return stopWords
}

// NewTokenizer creates a tokenizer. Stop word filtering is optional; prompt
// similarity is usually more stable with it enabled.
func NewTokenizer(useStopWords bool, shingleSize int) *Tokenizer {
	var stopWords map[string]bool
	if useStopWords {
		stopWords = DefaultStopWords()
	}

	if shingleSize <= 0 {
		shingleSize = 2 // Default to bigrams
	}

	return &Tokenizer{
		StopWords:   stopWords,
		ShingleSize: shingleSize,
	}
}

// Tokenize splits text into lowercase words (Unicode-aware)
func (t *Tokenizer) Tokenize(text string) []string {
	var tokens []string
	var currentWord strings.Builder

	flush := func() {
		if currentWord.Len() == 0 {
			return
		}
		word := currentWord.String()
		if t.StopWords == nil || !t.StopWords[word] {
			tokens = append(tokens, word)
		}
		currentWord.Reset()
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			currentWord.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()

	return tokens
}

// Shingles creates n-gram shingles from tokens
func (t *Tokenizer) Shingles(tokens []string) []string {
	if len(tokens) < t.ShingleSize {
		if len(tokens) == 0 {
			return []string{}
		}
		return []string{strings.Join(tokens, " ")}
	}

	shingles := make([]string, 0, len(tokens)-t.ShingleSize+1)
	for i := 0; i <= len(tokens)-t.ShingleSize; i++ {
		shingles = append(shingles, strings.Join(tokens[i:i+t.ShingleSize], " "))
	}

	return shingles
}

// ShingleSet tokenizes and shingles text into a membership set, the
// precomputed form cached alongside stored prompts.
func (t *Tokenizer) ShingleSet(text string) map[string]bool {
	shingles := t.Shingles(t.Tokenize(text))
	set := make(map[string]bool, len(shingles))
	for _, s := range shingles {
		set[s] = true
	}
	return set
}

// JaccardSets computes Jaccard similarity between two shingle sets.
// Returns value in [0, 1] where 1 = identical, 0 = no overlap.
func JaccardSets(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0 // Both empty = perfect match
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	intersection := 0
	union := len(a)
	for s := range b {
		if a[s] {
			intersection++
		} else {
			union++
		}
	}

	return float64(intersection) / float64(union)
}

// Overlap is a convenience method that tokenizes, shingles, and compares
// two texts directly.
func (t *Tokenizer) Overlap(text1, text2 string) float64 {
	return JaccardSets(t.ShingleSet(text1), t.ShingleSet(text2))
}

// WhitespaceCount returns the number of whitespace-separated fields in text.
// Used as the token estimate for short prompts; longer prompts fall back to
// a characters/4 heuristic in the budget meter.
func WhitespaceCount(text string) int {
	return len(strings.Fields(text))
}
