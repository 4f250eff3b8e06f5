package graph

import (
	"strings"
	"unicode"

	"github.com/dgraph-io/ristretto"
)

// stopWords are dropped before weighting. The list covers common English
// function words plus filler that shows up in assistant-written notes.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a about above after again against all also am an and any are as at be
		because been before being below between both but by can could did do
		does doing done down during each else even few for from further get gets
		got had has have having he her here hers him his how i if in into is it
		its itself just let like made make many may me might more most much must
		my no nor not now of off on once one only or other our ours out over own
		per same she should so some such than that the their theirs them then
		there these they this those through to too under until up upon us use
		used uses using very via was we were what when where which while who
		whom why will with would yet you your yours
		always never really still thing things way ok okay please thanks
		memory memories note notes remember`) {
		stopWords[w] = struct{}{}
	}
}

// Tokenizer splits memory content into weighted terms. Token lists are cached
// by content so repeated builds over a mostly unchanged corpus skip the work.
type Tokenizer struct {
	cache *ristretto.Cache
}

// NewTokenizer creates a tokenizer with a bounded cache of about
// maxTokens cached tokens. A zero size disables caching.
func NewTokenizer(maxTokens int64) (*Tokenizer, error) {
	if maxTokens <= 0 {
		return &Tokenizer{}, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxTokens * 10,
		MaxCost:     maxTokens,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Tokenizer{cache: cache}, nil
}

// Tokens returns the normalized terms of content in order of appearance.
func (t *Tokenizer) Tokens(content string) []string {
	if t.cache != nil {
		if v, ok := t.cache.Get(content); ok {
			return v.([]string)
		}
	}

	tokens := tokenize(content)
	if t.cache != nil && len(tokens) > 0 {
		t.cache.Set(content, tokens, int64(len(tokens)))
	}
	return tokens
}

// Close releases the cache.
func (t *Tokenizer) Close() {
	if t.cache != nil {
		t.cache.Close()
	}
}

func tokenize(content string) []string {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#' && r != '.' && r != '-' && r != '_'
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".-_")
		if len([]rune(f)) < 2 || isNumeric(f) {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != '-' {
			return false
		}
	}
	return true
}
