package docstore

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultMaxKeyTerms bounds ExtractKeyTerms when max is not positive.
const DefaultMaxKeyTerms = 8

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_-]+`)

//nolint:gochecknoglobals // lookup table
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"as": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "should": true, "could": true, "may": true, "might": true,
	"must": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "i": true, "you": true, "he": true, "she": true,
	"it": true, "we": true, "they": true, "what": true, "which": true,
	"who": true, "when": true, "where": true, "why": true, "how": true,
	"our": true, "your": true, "their": true, "its": true, "any": true,
	"all": true, "not": true, "into": true, "about": true, "there": true,
}

// ExtractKeyTerms returns up to max search terms from text, most frequent
// first. Terms are lowercased; ties keep first-occurrence order.
func ExtractKeyTerms(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxKeyTerms
	}

	freq := make(map[string]int)
	var order []string
	for _, token := range tokenPattern.FindAllString(text, -1) {
		lower := strings.ToLower(strings.Trim(token, "-_"))
		if len(lower) < 3 || stopWords[lower] {
			continue
		}
		if freq[lower] == 0 {
			order = append(order, lower)
		}
		freq[lower]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return freq[order[i]] > freq[order[j]]
	})
	if len(order) > max {
		order = order[:max]
	}
	return order
}
