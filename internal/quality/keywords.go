package quality

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/placewise/blockpipe/internal/block"
)

// regionSuffix matches Korean administrative district tokens inside an
// address (…시, …군, …구, …동, …읍, …면).
var regionSuffix = regexp.MustCompile(`[가-힣]{1,10}(시|군|구|동|읍|면)`)

// categoryKeywords adds a small fixed keyword set per category. Best effort;
// unknown categories contribute nothing.
var categoryKeywords = map[string][]string{
	"kids_cafe":  {"kids", "cafe", "indoor", "play"},
	"playground": {"playground", "outdoor", "play"},
	"museum":     {"museum", "exhibit", "indoor"},
	"library":    {"library", "books", "indoor"},
	"park":       {"park", "outdoor", "nature"},
	"aquarium":   {"aquarium", "animals", "indoor"},
	"zoo":        {"zoo", "animals", "outdoor"},
	"restaurant": {"restaurant", "food", "family"},
}

// SearchKeywords derives lookup tokens from a place payload: name tokens of
// at least two characters, region tokens extracted from the address, and the
// fixed per-category set. The result is derived data, never used for
// uniqueness or grading.
func SearchKeywords(p block.PlacePayload) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(tok string) {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			return
		}
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}

	for _, tok := range tokenize(p.Name) {
		if len([]rune(tok)) >= 2 {
			add(tok)
		}
	}
	for _, tok := range regionSuffix.FindAllString(p.Address, -1) {
		add(tok)
	}
	if p.RegionCode != "" {
		add(p.RegionCode)
	}
	for _, kw := range categoryKeywords[strings.ToLower(p.Category)] {
		add(kw)
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
