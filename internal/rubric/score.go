// Package rubric scores pipeline outputs against the 100-point email quality
// rubric and derives pass/fail plus structured failure tags.
package rubric

import "sort"

// Category names. Each category is computed independently and clamped to its
// declared maximum; the total is their sum.
const (
	CategoryStructure       = "structure"
	CategoryPersonalization = "personalization"
	CategoryMessage         = "message-quality"
	CategoryIntent          = "intent-compliance"
)

// Category maxima. They sum to 100.
const (
	MaxStructure       = 35
	MaxPersonalization = 25
	MaxMessage         = 25
	MaxIntent          = 15
)

// Critical checks. Any false critical check fails the case regardless of the
// point total.
const (
	CheckCTAPresent         = "cta-present"
	CheckNameCapitalized    = "name-capitalized"
	CheckIntentCompliance   = "intent-compliance"
	CheckNoGenericMessaging = "no-generic-messaging-when-intent-given"
)

// Failure tags, in descending severity. The analyzer clusters failing results
// by their dominant tag and breaks deficit ties in this order.
const (
	TagIntent          = "intent-compliance"
	TagStructure       = "structure"
	TagPersonalization = "personalization"
	TagMessage         = "message-quality"
	TagCTA             = "cta"
	TagMalformed       = "malformed-output"
	TagTimeout         = "timeout"
	TagExecutionError  = "execution-error"
)

// DefaultPassThreshold is the minimum total for a pass when the caller does
// not configure one.
const DefaultPassThreshold = 85

// CategoryScore is an (earned, maximum) pair for one rubric category.
type CategoryScore struct {
	Earned int `json:"earned"`
	Max    int `json:"max"`
}

// Score is the structured result of evaluating one output. Passed is always
// derived from Total and the critical checks at construction time, never set
// independently. Deficits maps each failure tag present on this result to its
// point deficit; it is empty for passing results.
type Score struct {
	Total      int                      `json:"total"`
	Categories map[string]CategoryScore `json:"categories"`
	Checks     map[string]bool          `json:"checks"`
	Deficits   map[string]int           `json:"deficits,omitempty"`
	Passed     bool                     `json:"passed"`
}

// Tags lists the failure tags on this result in deterministic order.
func (s Score) Tags() []string {
	tags := make([]string, 0, len(s.Deficits))
	for tag := range s.Deficits {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// HasTag reports whether the result carries the given failure tag.
func (s Score) HasTag(tag string) bool {
	_, ok := s.Deficits[tag]
	return ok
}

// Zero returns the score for a case that could not be evaluated: zero total,
// not passed, a single failure tag carrying the full deficit. Used for
// malformed outputs, timeouts, and execution errors.
func Zero(tag string) Score {
	return Score{
		Total: 0,
		Categories: map[string]CategoryScore{
			CategoryStructure:       {0, MaxStructure},
			CategoryPersonalization: {0, MaxPersonalization},
			CategoryMessage:         {0, MaxMessage},
			CategoryIntent:          {0, MaxIntent},
		},
		Checks:   map[string]bool{},
		Deficits: map[string]int{tag: 100},
		Passed:   false,
	}
}
