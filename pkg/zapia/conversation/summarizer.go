package conversation

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// groupBreakImportance starts a new group regardless of topic overlap.
	groupBreakImportance = 0.8

	// newTopicOverlap is the Jaccard similarity below which two consecutive
	// messages are considered to be about different topics.
	newTopicOverlap = 0.3

	// summarizeImportance is the minimum group importance for an excluded
	// group to be replaced by a one-line summary instead of dropped.
	summarizeImportance = 0.7

	// minSummarizeLen is the smallest log worth summarizing.
	minSummarizeLen = 3
)

var (
	importantPattern = regexp.MustCompile(`(?i)\b(define|explique|resumo|importante|urgente)\b`)
	wordPattern      = regexp.MustCompile(`[\p{L}\p{N}_]+`)

	stopWords = map[string]struct{}{
		"o": {}, "a": {}, "os": {}, "as": {}, "um": {}, "uma": {},
		"e": {}, "ou": {}, "de": {}, "para": {},
	}
)

// Budget bounds the output of Summarize. Zero fields are unbounded.
type Budget struct {
	MaxTokens   int
	MaxMessages int
}

// group is a run of consecutive messages about the same topic.
type group struct {
	messages   []Message
	importance float64
	tokens     int
	context    string
}

// Summarizer compresses an over-long log into a representative subset.
// The output is ordered by group importance, not chronologically.
type Summarizer struct{}

// NewSummarizer creates a Summarizer.
func NewSummarizer() *Summarizer {
	return &Summarizer{}
}

// Summarize groups msgs by topic, ranks the groups by importance, and keeps
// whole groups while they fit the budget. Important groups that do not fit
// are replaced by a single system message naming their top keywords.
func (s *Summarizer) Summarize(msgs []Message, budget Budget) []Message {
	if len(msgs) < minSummarizeLen {
		return append([]Message(nil), msgs...)
	}

	groups := s.groupByContext(msgs)
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].importance > groups[j].importance
	})

	out := make([]Message, 0, len(msgs))
	tokens := 0
	fits := func(addTokens, addMessages int) bool {
		if budget.MaxTokens > 0 && tokens+addTokens > budget.MaxTokens {
			return false
		}
		if budget.MaxMessages > 0 && len(out)+addMessages > budget.MaxMessages {
			return false
		}
		return true
	}

	for _, g := range groups {
		if fits(g.tokens, len(g.messages)) {
			out = append(out, g.messages...)
			tokens += g.tokens
			continue
		}
		if g.importance <= summarizeImportance {
			continue
		}
		summary := s.summarizeGroup(g)
		st := EstimateTokens(summary.Content)
		if fits(st, 1) {
			out = append(out, summary)
			tokens += st
		}
	}
	return out
}

// groupByContext partitions msgs into topical groups.
func (s *Summarizer) groupByContext(msgs []Message) []*group {
	var groups []*group
	var current *group

	for i, msg := range msgs {
		importance := Importance(msgs, i)
		t := EstimateTokens(msg.Content)

		if current == nil || importance > groupBreakImportance || isNewTopic(msgs, i) {
			current = &group{
				messages:   []Message{msg},
				importance: importance,
				tokens:     t,
				context:    extractContext(msg.Content),
			}
			groups = append(groups, current)
			continue
		}

		current.messages = append(current.messages, msg)
		current.importance = math.Max(current.importance, importance)
		current.tokens += t
	}
	return groups
}

// summarizeGroup builds the synthetic message standing in for g.
func (s *Summarizer) summarizeGroup(g *group) Message {
	last := g.messages[len(g.messages)-1]
	return Message{
		Role:      RoleSystem,
		Content:   fmt.Sprintf("[Resumo de %d mensagens sobre %s]", len(g.messages), g.context),
		Timestamp: last.Timestamp,
	}
}

// Importance scores msgs[i] in [0, 1]: recency, system role, keyword
// presence, and topic change each add weight.
func Importance(msgs []Message, i int) float64 {
	msg := msgs[i]
	score := 0.3 * float64(i) / float64(len(msgs))

	if msg.Role == RoleSystem {
		score += 0.4
	}
	if importantPattern.MatchString(msg.Content) {
		score += 0.2
	}
	if i > 0 && isNewTopic(msgs, i) {
		score += 0.25
	}
	return math.Min(score, 1)
}

// EstimateTokens approximates the token count of text as ceil(chars/3).
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 3))
}

// isNewTopic reports whether msgs[i] shares too few keywords with the
// message before it. The first message always starts a topic.
func isNewTopic(msgs []Message, i int) bool {
	if i == 0 {
		return true
	}
	return jaccard(keywords(msgs[i].Content), keywords(msgs[i-1].Content)) < newTopicOverlap
}

// keywords returns the distinct lower-cased words of text minus stop words,
// in order of first appearance.
func keywords(text string) []string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// jaccard returns |a∩b| / |a∪b|. Two empty sets are identical.
func jaccard(a, b []string) float64 {
	set := make(map[string]struct{}, len(a))
	for _, w := range a {
		set[w] = struct{}{}
	}
	inter := 0
	union := len(set)
	for _, w := range b {
		if _, ok := set[w]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// extractContext names a group by up to three of its opening keywords.
func extractContext(text string) string {
	kw := keywords(text)
	if len(kw) == 0 {
		return "Geral"
	}
	if len(kw) > 3 {
		kw = kw[:3]
	}
	return strings.Join(kw, ", ")
}
