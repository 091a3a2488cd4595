// Package prospect defines the synthetic test inputs for the email pipeline
// and the generator that produces diverse batches of them.
package prospect

import "strings"

// Prospect is one synthetic test input to the pipeline. Required fields are
// always populated; optional fields are nil to exercise the pipeline's
// inference paths. A Prospect is immutable once generated.
type Prospect struct {
	ID        string  `json:"id"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Company   string  `json:"company"`
	Title     *string `json:"title,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	Country   *string `json:"country,omitempty"`
	LinkedIn  *string `json:"linkedin_profile,omitempty"`
	Intent    *string `json:"selling_intent,omitempty"`
}

// HasIntent reports whether a selling intent was provided. A nil intent is a
// distinct case from an empty one: it drives the under-specified code path in
// both the pipeline and the rubric.
func (p Prospect) HasIntent() bool {
	return p.Intent != nil && strings.TrimSpace(*p.Intent) != ""
}

// Identity is the uniqueness key within a batch: no two prospects in one
// batch may share the same company+name pair.
func (p Prospect) Identity() string {
	return p.Company + "|" + p.FirstName + " " + p.LastName
}

// IntentKeywords extracts the significant words of the selling intent for
// keyword matching. Words of one or two characters are skipped.
func (p Prospect) IntentKeywords() []string {
	if !p.HasIntent() {
		return nil
	}
	var kws []string
	for _, w := range strings.Fields(strings.ToLower(*p.Intent)) {
		if len(w) > 2 {
			kws = append(kws, w)
		}
	}
	return kws
}

// Seniority bands a prospect title can belong to. The generator distributes
// batches evenly across bands so both technical and business messaging paths
// are exercised every iteration.
type Seniority string

const (
	SeniorityTechnical Seniority = "technical"
	SeniorityBusiness  Seniority = "business"
	SeniorityExecutive Seniority = "executive"
)

// Template describes the diversity axes from which one prospect is drawn.
type Template struct {
	Role      string
	Seniority Seniority
	Industry  string
	SizeBand  string
	Geography string
	Intent    *string
}
