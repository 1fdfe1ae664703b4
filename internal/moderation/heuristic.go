package moderation

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

// Compiled regex patterns for conflict detection. These are compiled once
// at package init and reused for every call, making them safe and efficient
// for concurrent use.
var (
	// threatPattern matches direct threat framings, including the custody
	// and legal escalations common in co-parenting disputes.
	threatPattern = regexp.MustCompile(`(?i)\b(i('ll| will) (make|take|call|report)|you('ll| will) (regret|never see)|take (you|the kids?) (to court|away)|call (my lawyer|the police|cps))\b`)

	// insultPattern matches direct name-calling aimed at the other party.
	insultPattern = regexp.MustCompile(`(?i)\byou('re| are)( such| so)? (a |an )?(idiot|liar|loser|joke|terrible|awful|pathetic|useless|worthless|selfish|horrible)`)

	// blamePattern matches absolutist blame framings that reliably escalate.
	blamePattern = regexp.MustCompile(`(?i)\b(you always|you never|every time you|typical of you|as usual you)\b`)

	// profanityPattern is a small list aimed at hostility toward the other
	// party, not an exhaustive word filter.
	profanityPattern = regexp.MustCompile(`(?i)\b(damn you|screw you|shut up|go to hell)\b`)
)

// riskCheck pairs a detection function with the score it contributes and a
// summary fragment used for the observer summary.
type riskCheck struct {
	name    string
	score   int
	summary string
	match   func(string) bool
}

// riskChecks is the ordered list applied by the heuristic engine. Scores
// accumulate: one medium signal advises, two or a threat blocks.
var riskChecks = []riskCheck{
	{name: "threat", score: 3, summary: "contains language that could be read as a threat", match: func(text string) bool {
		return threatPattern.MatchString(text)
	}},
	{name: "insult", score: 2, summary: "contains direct criticism of the other person", match: func(text string) bool {
		return insultPattern.MatchString(text)
	}},
	{name: "profanity", score: 2, summary: "contains hostile language", match: func(text string) bool {
		return profanityPattern.MatchString(text)
	}},
	{name: "blame", score: 1, summary: "uses absolute blame framing", match: func(text string) bool {
		return blamePattern.MatchString(text)
	}},
	{name: "shouting", score: 1, summary: "reads as shouting", match: isShouting},
	{name: "punctuation_flood", score: 1, summary: "uses aggressive punctuation", match: hasPunctuationFlood},
}

// isShouting returns true when a message of meaningful length is mostly
// upper-case letters.
func isShouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 12 && upper*10 >= letters*8
}

// hasPunctuationFlood returns true if text contains 3 or more consecutive
// '!' or '?' characters. Go's regexp package (RE2) does not support
// backreferences, so this is a simple linear scan.
func hasPunctuationFlood(text string) bool {
	const threshold = 3

	count := 0
	for _, r := range text {
		if r == '!' || r == '?' {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 0
		}
	}
	return false
}

// HeuristicAnalyzer scores drafts with the pattern checks above. It backs
// the standalone analyzer worker; the gateway consumes it purely through
// the Analyzer interface.
type HeuristicAnalyzer struct{}

// NewHeuristicAnalyzer creates the pattern-scoring analyzer.
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{}
}

// Analyze scores the draft and maps the total to a risk level:
//
//	0       -> low, send
//	1-2     -> medium, send with advice
//	3+      -> high, hold and suggest rewrites
func (h *HeuristicAnalyzer) Analyze(_ context.Context, draft Draft) (Result, error) {
	var (
		score     int
		summaries []string
		matched   []string
	)
	for _, rc := range riskChecks {
		if rc.match(draft.Text) {
			score += rc.score
			summaries = append(summaries, rc.summary)
			matched = append(matched, rc.name)
		}
	}

	switch {
	case score == 0:
		return Result{RiskLevel: RiskLow, ShouldSend: true}, nil
	case score < 3:
		return Result{
			RiskLevel:       RiskMedium,
			ShouldSend:      true,
			ObserverSummary: "This message " + strings.Join(summaries, " and ") + ".",
		}, nil
	default:
		return Result{
			RiskLevel:          RiskHigh,
			ShouldSend:         false,
			ObserverSummary:    "This message " + strings.Join(summaries, " and ") + ".",
			RewriteSuggestions: suggestRewrites(draft.Text, matched),
		}, nil
	}
}

// suggestRewrites produces de-escalated alternatives for a blocked draft.
// The suggestions are templates keyed off the dominant signal; the author
// always keeps the original text for edit-or-override.
func suggestRewrites(text string, matched []string) []string {
	for _, name := range matched {
		switch name {
		case "threat":
			return []string{
				"I'd like to resolve this between us. Can we set a time to talk it through?",
				"I'm not comfortable with how this is going. Can we agree on next steps in writing?",
			}
		case "insult", "profanity":
			return []string{
				"I'm frustrated about this situation and want to find a way forward.",
				"This isn't working for me. Can we try a different arrangement?",
			}
		}
	}

	// Blame/shouting flavored fallback: restate as a specific request.
	cleaned := strings.TrimRight(strings.TrimSpace(text), "!?")
	if len(cleaned) > 80 {
		cleaned = cleaned[:80]
	}
	return []string{
		"Can we talk about: " + strings.ToLower(cleaned) + "?",
		"I'd appreciate it if we could handle this differently next time.",
	}
}
