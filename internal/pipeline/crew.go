package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"crewtune/internal/llm"
	"crewtune/internal/prompts"
	"crewtune/internal/prospect"
)

// Crew runs the configured research -> personalize -> copywrite sequence
// through a language model. Each stage's prompt comes from the prompt
// configuration the improvement loop rewrites, so prompt patches take effect
// on the next iteration's executions.
type Crew struct {
	client llm.Client
	cfg    *prompts.Config
	log    *zap.Logger
}

// NewCrew builds a pipeline over the given configuration snapshot. The crew
// never re-reads the configuration mid-batch; the orchestrator hands each
// iteration its own copy.
func NewCrew(client llm.Client, cfg *prompts.Config, log *zap.Logger) *Crew {
	if log == nil {
		log = zap.NewNop()
	}
	return &Crew{client: client, cfg: cfg.Clone(), log: log.Named("crew")}
}

// Execute runs all stages for one prospect and parses the final JSON email.
func (c *Crew) Execute(ctx context.Context, p prospect.Prospect) (*Email, error) {
	linkedin, err := c.runStage(ctx,
		prompts.AgentLinkedInResearcher, prompts.TaskLinkedInResearch, p, "")
	if err != nil {
		return nil, fmt.Errorf("linkedin research stage: %w", err)
	}

	research, err := c.runStage(ctx,
		prompts.AgentProspectResearcher, prompts.TaskResearchProspect, p, linkedin)
	if err != nil {
		return nil, fmt.Errorf("research stage: %w", err)
	}

	personalized, err := c.runStage(ctx,
		prompts.AgentPersonalizer, prompts.TaskPersonalize, p, research)
	if err != nil {
		return nil, fmt.Errorf("personalize stage: %w", err)
	}

	draft, err := c.runStage(ctx,
		prompts.AgentCopywriter, prompts.TaskWriteEmail, p, personalized)
	if err != nil {
		return nil, fmt.Errorf("copywrite stage: %w", err)
	}

	email, err := parseEmail(draft)
	if err != nil {
		// A parse failure is still a pipeline output: the scorer is the one
		// that decides malformed outputs fail, so surface what we have.
		c.log.Debug("copywriter output not parseable as JSON, passing through raw",
			zap.String("prospect", p.Identity()), zap.Error(err))
		return &Email{EmailBody: draft}, nil
	}
	return email, nil
}

func (c *Crew) runStage(ctx context.Context, agentName, taskName string, p prospect.Prospect, prior string) (string, error) {
	agent, ok := c.cfg.Agents[agentName]
	if !ok {
		return "", fmt.Errorf("configuration has no agent %q", agentName)
	}
	task, ok := c.cfg.Tasks[taskName]
	if !ok {
		return "", fmt.Errorf("configuration has no task %q", taskName)
	}

	system := fmt.Sprintf("You are %s.\nGoal: %s\n%s",
		agent.Role, agent.Goal, agent.Backstory)

	var sb strings.Builder
	sb.WriteString(interpolate(task.Description, p))
	sb.WriteString("\n\nExpected output:\n")
	sb.WriteString(task.ExpectedOutput)
	if prior != "" {
		sb.WriteString("\n\nContext from the previous step:\n")
		sb.WriteString(prior)
	}

	out, err := c.client.CompleteWithSystem(ctx, system, sb.String())
	if err != nil {
		return "", err
	}
	return out, nil
}

// interpolate substitutes {field} placeholders in task templates with the
// prospect's values. Absent optional fields render as "not provided" so the
// model knows to infer rather than echo an empty string.
func interpolate(template string, p prospect.Prospect) string {
	opt := func(s *string) string {
		if s == nil || *s == "" {
			return "not provided"
		}
		return *s
	}
	r := strings.NewReplacer(
		"{first_name}", p.FirstName,
		"{last_name}", p.LastName,
		"{company}", p.Company,
		"{title}", opt(p.Title),
		"{phone}", opt(p.Phone),
		"{country}", opt(p.Country),
		"{linkedin_profile}", opt(p.LinkedIn),
		"{selling_intent}", opt(p.Intent),
	)
	return r.Replace(template)
}

// parseEmail extracts the JSON email object from model output, tolerating
// surrounding prose and markdown fences.
func parseEmail(raw string) (*Email, error) {
	text := strings.TrimSpace(raw)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}

	var email Email
	if err := json.Unmarshal([]byte(text), &email); err != nil {
		return nil, fmt.Errorf("output is not a JSON email: %w", err)
	}
	return &email, nil
}
