// Package pipeline defines the contract for the content-generation pipeline
// under test. The improvement loop only depends on the Execute contract; the
// crew implementation in this package is one provider of it.
package pipeline

import (
	"context"

	"crewtune/internal/prospect"
)

// Email is the structured output of one pipeline execution. Validated* fields
// are populated only when the research steps confirmed them with high
// confidence.
type Email struct {
	SubjectLine       string  `json:"subject_line"`
	EmailBody         string  `json:"email_body"`
	FollowUpNotes     string  `json:"follow_up_notes"`
	ValidatedTitle    *string `json:"validated_title,omitempty"`
	ValidatedLinkedIn *string `json:"validated_linkedin_profile,omitempty"`
	ValidatedCountry  *string `json:"validated_country,omitempty"`
}

// Pipeline is the opaque execute(input) -> output contract. Implementations
// must be reentrant: the runner may execute cases concurrently. Any error
// returned is treated as an execution failure for that case only.
type Pipeline interface {
	Execute(ctx context.Context, p prospect.Prospect) (*Email, error)
}

// Func adapts a plain function to the Pipeline interface, mostly for tests.
type Func func(ctx context.Context, p prospect.Prospect) (*Email, error)

func (f Func) Execute(ctx context.Context, p prospect.Prospect) (*Email, error) {
	return f(ctx, p)
}
