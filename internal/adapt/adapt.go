// Package adapt rewrites prompt configuration in response to failure
// clusters. Changes are additive: a patch appends enforcement instructions
// to the task section a cluster is bound to, it never removes existing
// prompt text. An optional language model drafts cluster-specific
// instructions; without one (or when drafting fails) a deterministic
// template per failure tag is used instead.
package adapt

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"crewtune/internal/analyze"
	"crewtune/internal/llm"
	"crewtune/internal/prompts"
	"crewtune/internal/rubric"
)

// patchMarkers head each patch. A section already carrying a marker is not
// patched again for the same tag, so repeated iterations cannot pile up
// duplicate instructions.
var patchMarkers = map[string]string{
	rubric.TagIntent:          "CRITICAL SELLING INTENT ENFORCEMENT:",
	rubric.TagStructure:       "STRUCTURE REQUIREMENTS:",
	rubric.TagPersonalization: "RESEARCH DEPTH REQUIREMENTS:",
	rubric.TagMessage:         "MESSAGE QUALITY BAR:",
	rubric.TagCTA:             "MANDATORY CALL TO ACTION:",
	rubric.TagMalformed:       "OUTPUT FORMAT CONTRACT:",
	rubric.TagTimeout:         "RESEARCH TIME BOX:",
	rubric.TagExecutionError:  "ROBUST COMPLETION:",
}

var patchTemplates = map[string]string{
	rubric.TagIntent: "When the prospect record includes a selling intent, the email MUST be built " +
		"around that intent. Reference the intent explicitly, reuse its exact keywords, and tie " +
		"every value statement back to it. NEVER fall back to generic data-platform messaging " +
		"when a specific intent is given.",
	rubric.TagStructure: "Every email must contain, in order: a greeting using the prospect's " +
		"capitalized first name, a specific observation about the prospect or their company, a " +
		"customer proof point with a concrete metric, a value proposition tied to the prospect's " +
		"company, and a clear call to action.",
	rubric.TagPersonalization: "Go beyond name, title and company. Surface at least one concrete, " +
		"recent detail about the prospect's role or company and state how it connects to the " +
		"offering, so the writer can personalize beyond the greeting line.",
	rubric.TagMessage: "Keep the email between 120 and 180 words across 4 to 6 short paragraphs. " +
		"Use a warm, conversational tone with natural transitions, and write a subject line that " +
		"names the prospect and a concrete value metric.",
	rubric.TagCTA: "End every email with exactly one concrete, low-friction call to action, such " +
		"as proposing a brief 15-minute call. An email without a call to action is incomplete.",
	rubric.TagMalformed: "Return only a single JSON object with the fields subject_line, " +
		"email_body and follow_up_notes. No markdown fences, no commentary before or after the " +
		"JSON.",
	rubric.TagTimeout: "Limit research to the most relevant findings. Prefer a shorter, confident " +
		"summary over exhaustive detail; downstream tasks only need the highlights.",
	rubric.TagExecutionError: "Always produce a complete email even when upstream research is " +
		"thin. Missing research details must degrade the email gracefully, never abort it.",
}

const drafterSystemPrompt = "You improve instructions for a sales-email writing crew. " +
	"Given a recurring failure pattern, write a short, imperative instruction block that, " +
	"appended to the responsible task description, prevents the failure. Reply with the " +
	"instruction text only."

// Adapter produces patched prompt configurations from failure clusters.
type Adapter struct {
	drafter llm.Client
	log     *zap.Logger
}

// New creates an adapter. drafter may be nil, in which case the template
// patches are always used.
func New(drafter llm.Client, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{drafter: drafter, log: log.Named("adapt")}
}

// Adapt returns a new configuration with one patch applied per cluster,
// plus a human-readable rationale describing what changed and why. The
// input configuration is never mutated. If the patched configuration fails
// validation the original is returned unchanged with a rationale noting the
// rejection; Adapt itself only errors on cancellation.
func (a *Adapter) Adapt(ctx context.Context, cfg *prompts.Config, clusters []analyze.Cluster) (*prompts.Config, string, error) {
	if len(clusters) == 0 {
		return cfg, "no systematic failure clusters; configuration left unchanged", nil
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	patched := cfg.Clone()
	var rationale []string
	applied := 0

	for _, c := range clusters {
		task, ok := patched.Tasks[c.Section]
		if !ok {
			a.log.Warn("cluster bound to unknown section", zap.String("section", c.Section))
			continue
		}
		marker := patchMarkers[c.Tag]
		if strings.Contains(task.Description, marker) {
			rationale = append(rationale, fmt.Sprintf(
				"%s (%d failures): %s already enforced, skipped", c.Tag, c.Count, c.Section))
			continue
		}

		text := a.draftPatch(ctx, c)
		task.Description = strings.TrimRight(task.Description, "\n") +
			"\n\n" + marker + "\n" + text
		patched.Tasks[c.Section] = task
		applied++
		rationale = append(rationale, fmt.Sprintf(
			"%s (%d failures): appended enforcement to %s because %s",
			c.Tag, c.Count, c.Section, c.RootCause))
	}

	if applied == 0 {
		return cfg, strings.Join(rationale, "; "), nil
	}

	// A patched configuration must validate (including a full serialize/
	// parse cycle) before it is allowed to replace the current one.
	if err := patched.Validate(); err != nil {
		a.log.Warn("patched configuration rejected", zap.Error(err))
		return cfg, fmt.Sprintf("patched configuration rejected (%v); kept previous configuration", err), nil
	}

	a.log.Info("configuration adapted", zap.Int("patches", applied))
	return patched, strings.Join(rationale, "; "), nil
}

// draftPatch asks the drafter for a cluster-specific instruction block and
// falls back to the tag template when no drafter is set or drafting fails.
func (a *Adapter) draftPatch(ctx context.Context, c analyze.Cluster) string {
	fallback := patchTemplates[c.Tag]
	if a.drafter == nil {
		return fallback
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Failure pattern: %s\n", c.RootCause)
	fmt.Fprintf(&sb, "Occurrences in last batch: %d\n", c.Count)
	fmt.Fprintf(&sb, "Task being patched: %s\n", c.Section)
	for i, res := range c.Results {
		if i == 3 {
			break
		}
		fmt.Fprintf(&sb, "Example: prospect %s scored %d/100\n",
			res.Prospect.Identity(), res.Score.Total)
	}

	text, err := a.drafter.CompleteWithSystem(ctx, drafterSystemPrompt, sb.String())
	if err != nil {
		a.log.Warn("patch drafting failed, using template",
			zap.String("tag", c.Tag), zap.Error(err))
		return fallback
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	return text
}
