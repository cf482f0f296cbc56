// Package inference turns raw message text into profile signals using fixed,
// ordered rule tables. Every function here is pure: the same content always
// yields the same Signals, and a rule that does not match simply contributes
// nothing.
package inference

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/haulwise/convmem/pkg/types"
)

// MaxQuoteLength bounds the message excerpt stored in feedback notes.
const MaxQuoteLength = 100

// Signals is everything the rule tables derived from one message.
type Signals struct {
	Topics     []string
	PainPoints []string
	Goals      []string
	KeyFacts   map[string]string

	// Issue and Solution are empty when their trigger words are absent.
	Issue    string
	Solution string

	// Style is empty when no style marker matched.
	Style types.CommunicationStyle

	// Stage is empty when no stage phrase matched.
	Stage types.Stage

	// Topic is the current-topic signal; DefaultTopic when nothing matched.
	Topic string

	PositiveFeedback bool
	FeedbackQuote    string
}

// HasProfileSignals reports whether any client-profile field would change.
func (s Signals) HasProfileSignals() bool {
	return len(s.Topics) > 0 || len(s.PainPoints) > 0 || len(s.Goals) > 0 ||
		len(s.KeyFacts) > 0 || s.Style != "" || s.PositiveFeedback
}

// Analyze runs every rule table over content.
func Analyze(content string) Signals {
	trimmed := strings.TrimSpace(content)
	normalized := strings.ToLower(trimmed)

	sig := Signals{
		Topics:     DetectTopics(normalized),
		PainPoints: captureAll(painPointPatterns, normalized),
		Goals:      captureAll(goalPatterns, normalized),
		KeyFacts:   ExtractKeyFacts(trimmed),
		Style:      ClassifyStyle(normalized),
		Stage:      DetectStage(normalized),
		Topic:      DetectCurrentTopic(normalized),
	}

	if issueTrigger.MatchString(normalized) {
		sig.Issue = captureFirst(issuePatterns, normalized)
	}
	if solutionTrigger.MatchString(normalized) {
		sig.Solution = captureFirst(solutionPatterns, normalized)
	}

	if containsAny(normalized, positiveFeedbackMarkers) {
		sig.PositiveFeedback = true
		sig.FeedbackQuote = Truncate(trimmed, MaxQuoteLength)
	}

	return sig
}

// DetectTopics returns every topic with a keyword that is a substring of the
// normalized content, in table order.
func DetectTopics(normalized string) []string {
	var topics []string
	for _, rule := range topicRules {
		if containsAny(normalized, rule.keywords) {
			topics = append(topics, rule.label)
		}
	}
	return topics
}

// DetectCurrentTopic returns the first matching current-topic label, or
// DefaultTopic.
func DetectCurrentTopic(normalized string) string {
	for _, rule := range currentTopicRules {
		if containsAny(normalized, rule.keywords) {
			return rule.label
		}
	}
	return DefaultTopic
}

// DetectStage returns the stage of the first stage rule with a whole-word
// phrase match, or "" when none matched.
func DetectStage(normalized string) types.Stage {
	for _, rule := range stageMatchers {
		if rule.pattern.MatchString(normalized) {
			return rule.label
		}
	}
	return ""
}

// ClassifyStyle returns the highest-priority style whose markers appear as
// whole words, or "" when none do.
func ClassifyStyle(normalized string) types.CommunicationStyle {
	for _, rule := range styleMatchers {
		if rule.pattern.MatchString(normalized) {
			return rule.label
		}
	}
	return ""
}

// ExtractKeyFacts runs each fact extractor once. Each contributes at most one
// value. Content is expected in its original case.
func ExtractKeyFacts(content string) map[string]string {
	facts := make(map[string]string)
	for _, rule := range factRules {
		m := rule.pattern.FindStringSubmatch(content)
		if len(m) < 2 {
			continue
		}
		value := strings.TrimSpace(m[1])
		if rule.clean != nil {
			value = rule.clean(value)
		}
		if value != "" {
			facts[rule.key] = value
		}
	}
	return facts
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

// captureAll collects group 1 of every match of every pattern, keeping the
// first occurrence of repeated phrases.
func captureAll(patterns []*regexp.Regexp, normalized string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range patterns {
		for _, m := range p.FindAllStringSubmatch(normalized, -1) {
			phrase := strings.TrimSpace(m[1])
			if phrase == "" || seen[phrase] {
				continue
			}
			seen[phrase] = true
			out = append(out, phrase)
		}
	}
	return out
}

// captureFirst returns group 1 of the first pattern that matches.
func captureFirst(patterns []*regexp.Regexp, normalized string) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(normalized); len(m) > 1 {
			if phrase := strings.TrimSpace(m[1]); phrase != "" {
				return phrase
			}
		}
	}
	return ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
