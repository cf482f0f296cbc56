package inference

import (
	"regexp"
	"strings"

	"github.com/haulwise/convmem/pkg/types"
)

// keywordRule maps a label to keywords that trigger it. Keywords are matched
// against lowercased content either as substrings or as whole words depending
// on the table that holds the rule.
type keywordRule[T any] struct {
	label    T
	keywords []string
}

// wordRule is a keywordRule compiled to a single regexp that matches any of
// its phrases on word boundaries, so that "hi" does not fire on "this".
type wordRule[T any] struct {
	label   T
	pattern *regexp.Regexp
}

func compileWordRules[T any](rules []keywordRule[T]) []wordRule[T] {
	out := make([]wordRule[T], 0, len(rules))
	for _, rule := range rules {
		quoted := make([]string, len(rule.keywords))
		for i, k := range rule.keywords {
			quoted[i] = regexp.QuoteMeta(k)
		}
		out = append(out, wordRule[T]{
			label:   rule.label,
			pattern: regexp.MustCompile(`(?:^|[^a-z0-9'])(?:` + strings.Join(quoted, "|") + `)(?:$|[^a-z0-9'])`),
		})
	}
	return out
}

// topicRules feed clientProfile.commonTopics. Every rule whose keyword is a
// substring of the message fires.
var topicRules = []keywordRule[string]{
	{"usdot", []string{"usdot", "dot", "fmcsa", "transportation"}},
	{"billing", []string{"billing", "payment", "invoice", "cost", "price"}},
	{"technical", []string{"technical", "api", "integration", "software", "system"}},
	{"support", []string{"support", "help", "assist", "problem", "issue"}},
	{"sales", []string{"sales", "buy", "purchase", "quote", "upgrade", "pricing"}},
}

// currentTopicRules drive conversationFlow.currentTopic. First match wins.
var currentTopicRules = []keywordRule[string]{
	{"usdot_application", []string{"usdot", "dot number", "fmcsa", "application", "register"}},
	{"billing", []string{"bill", "payment", "invoice", "charge", "price", "cost"}},
	{"technical_support", []string{"error", "bug", "not working", "login", "technical", "broken"}},
	{"general_inquiry", []string{"question", "wondering", "information", "how do", "what is"}},
}

// DefaultTopic is the current-topic signal when no rule matches.
const DefaultTopic = "general"

// stageRules are evaluated in order; the first rule with a matching phrase
// sets the stage. Phrases match on word boundaries.
var stageRules = []keywordRule[types.Stage]{
	{types.StageGreeting, []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening"}},
	{types.StageInformationGathering, []string{"need", "want", "looking for", "interested in", "tell me about", "information"}},
	{types.StageProblemSolving, []string{"problem", "issue", "help", "error", "not working", "trouble"}},
	{types.StageSolutionProviding, []string{"solution", "recommend", "suggest", "fix", "resolve"}},
	{types.StageFollowUp, []string{"follow up", "follow-up", "check in", "update on", "status of"}},
	{types.StageClosing, []string{"bye", "goodbye", "thank you", "thanks", "that's all", "have a great day"}},
}

// styleRules are in priority order: formal beats casual beats technical.
var styleRules = []keywordRule[types.CommunicationStyle]{
	{types.StyleFormal, []string{"please", "thank you", "sir", "madam"}},
	{types.StyleCasual, []string{"hey", "thanks", "cool"}},
	{types.StyleTechnical, []string{"api", "integration", "technical"}},
}

var (
	stageMatchers = compileWordRules(stageRules)
	styleMatchers = compileWordRules(styleRules)
)

// positiveFeedbackMarkers trigger a relationship note quoting the message.
var positiveFeedbackMarkers = []string{"appreciate", "helpful", "great"}

// capture terminates a captured phrase at sentence punctuation.
const capture = `([^.!?,;\n]+)`

var (
	painPointPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:struggling|difficult|frustrating|problem|hard time|trouble)\s+(?:with|to|getting)\s+` + capture),
		regexp.MustCompile(`\b(?:frustrated|annoyed)\s+(?:with|by|about)\s+` + capture),
	}

	goalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:want|need|looking for|trying to|hoping to)\s+(?:to\s+|for\s+)?` + capture),
		regexp.MustCompile(`\bmy goal is\s+(?:to\s+)?` + capture),
	}

	issueTrigger    = regexp.MustCompile(`\b(?:problem|issue|error)s?\b`)
	solutionTrigger = regexp.MustCompile(`\b(?:solved|fixed|resolved)\b`)

	issuePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:problem|issue|error)s?\b[^.!?\n]*?\b(?:with|in|on)\s+` + capture),
	}

	solutionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:solved|fixed|resolved)\b[^.!?\n]*?\b(?:by|with|using)\s+` + capture),
		regexp.MustCompile(`\b(?:solution|fix|answer)\s+(?:is|was)\s+` + capture),
		regexp.MustCompile(`\b(?:is|was)\s+(?:solved|fixed|resolved)\s+` + capture),
	}
)

// factRule extracts at most one value for key from the original-case content.
type factRule struct {
	key     string
	pattern *regexp.Regexp
	clean   func(string) string
}

// Fact keys written into agentMemory.keyFacts.
const (
	FactCompanyName  = "companyName"
	FactEmail        = "email"
	FactPhone        = "phone"
	FactBusinessType = "businessType"
	FactUSDOTNumber  = "usdotNumber"
)

var factRules = []factRule{
	{
		key:     FactCompanyName,
		pattern: regexp.MustCompile(`(?i)\b(?:company|business|organization)\s+(?:is\s+called|is\s+named|is|called|named)\s+([A-Za-z0-9&'\- ]+?)(?:\s*[.!?,;]|\s+and\s|$)`),
	},
	{
		key:     FactEmail,
		pattern: regexp.MustCompile(`([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})`),
		clean:   strings.ToLower,
	},
	{
		key:     FactPhone,
		pattern: regexp.MustCompile(`((?:\(\d{3}\)\s?|\b\d{3}[-.\s]?)\d{3}[-.\s]?\d{4})\b`),
	},
	{
		key:     FactBusinessType,
		pattern: regexp.MustCompile(`(?i)\b(carrier|broker|freight forwarder|logistics|transportation)\b`),
		clean:   strings.ToLower,
	},
	{
		key:     FactUSDOTNumber,
		pattern: regexp.MustCompile(`(?i)\b(?:us)?dot\s*(?:number|no\.?|#)?\s*(?:is\s+)?#?\s*(\d{5,8})\b`),
	},
}
