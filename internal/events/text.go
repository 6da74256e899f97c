package events

import (
	"regexp"
	"sort"
	"strings"
)

var (
	urlRe     = regexp.MustCompile(`http\S+|www\.\S+`)
	mentionRe = regexp.MustCompile(`@\w+`)
	hashtagRe = regexp.MustCompile(`#(\w+)`)
	tokenRe   = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)
	keywordRe = regexp.MustCompile(`[\p{L}\p{N}_]{3,}`)
)

// Normalize strips URLs and mentions, unwraps hashtags, collapses
// whitespace and lowercases.
func Normalize(text string) string {
	text = urlRe.ReplaceAllString(text, "")
	text = mentionRe.ReplaceAllString(text, "")
	text = hashtagRe.ReplaceAllString(text, "$1")
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// keywordStopWords filters common words out of cluster keywords.
var keywordStopWords = toSet(
	"the", "and", "for", "are", "but", "not", "you", "all", "can", "her", "was",
	"one", "our", "out", "day", "get", "has", "him", "his", "how", "its", "may",
	"new", "now", "old", "see", "two", "who", "way", "use", "she",
	"this", "that", "with", "from", "have", "been", "will", "what", "when", "where",
	"which", "there", "their", "they", "them", "these", "those", "than", "then",
	"about", "after", "before", "during", "while", "until", "since", "because",
	"though", "although", "however", "therefore", "moreover", "furthermore",
	"would", "could", "should", "might", "must", "shall", "cannot",
)

// Keywords returns up to n of the most frequent words of at least three
// characters across texts. Ties keep first-seen order.
func Keywords(texts []string, n int) []string {
	counts := make(map[string]int)
	first := make(map[string]int)
	for _, w := range keywordRe.FindAllString(strings.ToLower(strings.Join(texts, " ")), -1) {
		if keywordStopWords[w] {
			continue
		}
		if _, ok := first[w]; !ok {
			first[w] = len(first)
		}
		counts[w]++
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return first[words[i]] < first[words[j]]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
