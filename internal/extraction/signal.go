package extraction

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
)

// Pattern is a weighted signal pattern.
type Pattern struct {
	Name   string  `json:"name" koanf:"name"`
	Regex  string  `json:"regex" koanf:"regex"`
	Weight float64 `json:"weight" koanf:"weight"`
}

// Baseline scores for subject turns no pattern matched.
const (
	sentenceScore = 0.3
	fragmentScore = 0.15
	minSentence   = 4 // words
)

// DefaultPatterns returns the default signal patterns.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// Contact details
		{Name: "email", Regex: `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`, Weight: 1.0},
		{Name: "phone", Regex: `\+?\d[\d\s().-]{6,}\d`, Weight: 0.9},
		{Name: "url", Regex: `(?i)\b(https?://|www\.)\S+|\b[a-z0-9-]+\.(com|net|org|io|co|ai|uk|de|fr|es)\b`, Weight: 0.9},

		// Identity
		{Name: "business_intro", Regex: `(?i)\b(our|my) (company|business|shop|clinic|salon|agency|firm|store|restaurant|studio|practice)\b`, Weight: 0.9},
		{Name: "named", Regex: `(?i)\b(called|named|call (it|him|her|me))\b`, Weight: 0.8},
		{Name: "self_intro", Regex: `(?i)\b(my name is|i am the|i'm the|this is)\b`, Weight: 0.8},

		// Business details
		{Name: "offering", Regex: `(?i)\bwe (offer|sell|provide|do|specialize|handle)\b|\b(services?|products?)\b`, Weight: 0.7},
		{Name: "integration", Regex: `(?i)\b(crm|calendar|hubspot|salesforce|shopify|whatsapp|zapier|google|outlook|calendly)\b`, Weight: 0.7},
		{Name: "money", Regex: `(?i)[$€£]\s?\d|\b\d+\s?(k|usd|eur|gbp|dollars|euros|pounds)\b`, Weight: 0.8},
		{Name: "need", Regex: `(?i)\b(want|need|goal|problem|struggle|issue|looking for|hoping|pain)\b`, Weight: 0.6},
		{Name: "hours", Regex: `(?i)\b(open|hours|weekdays?|weekends?|monday|friday|\d{1,2}\s?(am|pm))\b`, Weight: 0.6},
		{Name: "language", Regex: `(?i)\b(english|spanish|french|german|portuguese|italian|language)\b`, Weight: 0.6},
		{Name: "timeline", Regex: `(?i)\b(next (week|month|quarter)|asap|deadline|within \d+|by (the )?end of)\b`, Weight: 0.5},
		{Name: "proper_noun", Regex: `\s[A-Z][a-z]{2,}`, Weight: 0.4},
	}
}

// filler matches turns that carry no extractable content on their own.
var filler = regexp.MustCompile(`(?i)^(ok(ay)?|yes|yeah|yep|no|nope|sure|right|hmm+|uh+|um+|thanks?( you)?|great|cool|fine|got it|sounds good)[.!?]*$`)

// SignalDetector estimates whether a turn plausibly carries extractable
// signal.
type SignalDetector struct {
	patterns []*compiledPattern
}

// compiledPattern holds a pre-compiled regex pattern.
type compiledPattern struct {
	Pattern
	regex *regexp.Regexp
}

// NewSignalDetector compiles patterns. Empty patterns fall back to
// DefaultPatterns.
func NewSignalDetector(patterns []Pattern) (*SignalDetector, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}

	compiled := make([]*compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile signal pattern %s: %w", p.Name, err)
		}
		compiled = append(compiled, &compiledPattern{Pattern: p, regex: re})
	}
	return &SignalDetector{patterns: compiled}, nil
}

// Score returns the strongest matching weight for msg and the pattern name.
// Assistant turns and filler score 0.
func (d *SignalDetector) Score(msg dialogue.Message) (float64, string) {
	if msg.Role != dialogue.RoleSubject {
		return 0, ""
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" || filler.MatchString(content) {
		return 0, ""
	}

	var best *compiledPattern
	for _, p := range d.patterns {
		if p.regex.MatchString(content) && (best == nil || p.Weight > best.Weight) {
			best = p
		}
	}
	if best != nil {
		return best.Weight, best.Name
	}

	if len(strings.Fields(content)) >= minSentence {
		return sentenceScore, "sentence"
	}
	return fragmentScore, "fragment"
}
