package adapt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"crewtune/internal/analyze"
	"crewtune/internal/prompts"
	"crewtune/internal/rubric"
)

func testConfig() *prompts.Config {
	cfg := &prompts.Config{
		Agents: make(map[string]prompts.AgentSpec),
		Tasks:  make(map[string]prompts.TaskSpec),
	}
	for _, name := range prompts.RequiredAgents {
		cfg.Agents[name] = prompts.AgentSpec{
			Role:      name,
			Goal:      "do the " + name + " work",
			Backstory: "an experienced " + name,
		}
	}
	for _, name := range prompts.RequiredTasks {
		cfg.Tasks[name] = prompts.TaskSpec{
			Description:    "Perform " + name + " for {first_name} at {company}.",
			ExpectedOutput: "structured output",
		}
	}
	return cfg
}

func intentCluster(n int) analyze.Cluster {
	return analyze.Cluster{
		Tag:       rubric.TagIntent,
		Count:     n,
		Section:   prompts.TaskPersonalize,
		RootCause: "emails ignore the prospect's stated selling intent and fall back to generic messaging",
	}
}

func ctaCluster(n int) analyze.Cluster {
	return analyze.Cluster{
		Tag:       rubric.TagCTA,
		Count:     n,
		Section:   prompts.TaskWriteEmail,
		RootCause: "emails end without a concrete call to action",
	}
}

func TestAdapt_AppendsEnforcement(t *testing.T) {
	a := New(nil, nil)
	cfg := testConfig()
	before := cfg.Tasks[prompts.TaskPersonalize].Description

	patched, rationale, err := a.Adapt(context.Background(), cfg, []analyze.Cluster{intentCluster(4)})
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	got := patched.Tasks[prompts.TaskPersonalize].Description
	if !strings.HasPrefix(got, before) {
		t.Error("patch must be additive: original description no longer a prefix")
	}
	if !strings.Contains(got, patchMarkers[rubric.TagIntent]) {
		t.Errorf("patched description missing marker %q", patchMarkers[rubric.TagIntent])
	}
	if !strings.Contains(rationale, rubric.TagIntent) {
		t.Errorf("rationale %q does not mention the tag", rationale)
	}
	// The input configuration is untouched.
	if cfg.Tasks[prompts.TaskPersonalize].Description != before {
		t.Error("Adapt mutated its input configuration")
	}
}

func TestAdapt_MultipleClustersMultipleSections(t *testing.T) {
	a := New(nil, nil)
	patched, _, err := a.Adapt(context.Background(), testConfig(),
		[]analyze.Cluster{intentCluster(3), ctaCluster(2)})
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	if !strings.Contains(patched.Tasks[prompts.TaskPersonalize].Description, patchMarkers[rubric.TagIntent]) {
		t.Error("personalize task not patched for intent cluster")
	}
	if !strings.Contains(patched.Tasks[prompts.TaskWriteEmail].Description, patchMarkers[rubric.TagCTA]) {
		t.Error("write task not patched for cta cluster")
	}
}

func TestAdapt_IsIdempotentPerTag(t *testing.T) {
	a := New(nil, nil)
	ctx := context.Background()

	first, _, err := a.Adapt(ctx, testConfig(), []analyze.Cluster{intentCluster(4)})
	if err != nil {
		t.Fatalf("first Adapt: %v", err)
	}
	second, rationale, err := a.Adapt(ctx, first, []analyze.Cluster{intentCluster(4)})
	if err != nil {
		t.Fatalf("second Adapt: %v", err)
	}
	if second != first {
		t.Error("re-adapting an already-patched section must return the input unchanged")
	}
	if !strings.Contains(rationale, "skipped") {
		t.Errorf("rationale %q should note the skip", rationale)
	}
	if n := strings.Count(second.Tasks[prompts.TaskPersonalize].Description, patchMarkers[rubric.TagIntent]); n != 1 {
		t.Errorf("marker appears %d times, want 1", n)
	}
}

func TestAdapt_NoClusters(t *testing.T) {
	a := New(nil, nil)
	cfg := testConfig()
	patched, _, err := a.Adapt(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	if patched != cfg {
		t.Error("no clusters must return the configuration unchanged")
	}
}

func TestAdapt_InvalidPatchedConfigKeepsOriginal(t *testing.T) {
	a := New(nil, nil)
	cfg := testConfig()
	delete(cfg.Agents, prompts.AgentCopywriter) // round-trip validation will fail

	patched, rationale, err := a.Adapt(context.Background(), cfg, []analyze.Cluster{intentCluster(2)})
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	if patched != cfg {
		t.Error("rejected patch must return the original configuration")
	}
	if !strings.Contains(rationale, "rejected") {
		t.Errorf("rationale %q should note the rejection", rationale)
	}
}

type fakeDrafter struct {
	reply string
	err   error
}

func (f *fakeDrafter) Complete(ctx context.Context, prompt string) (string, error) {
	return f.reply, f.err
}

func (f *fakeDrafter) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	return f.reply, f.err
}

func TestAdapt_DrafterSuppliesPatchText(t *testing.T) {
	a := New(&fakeDrafter{reply: "Always restate the selling intent in the first paragraph."}, nil)
	patched, _, err := a.Adapt(context.Background(), testConfig(), []analyze.Cluster{intentCluster(3)})
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	got := patched.Tasks[prompts.TaskPersonalize].Description
	if !strings.Contains(got, "restate the selling intent") {
		t.Error("drafted instruction not applied")
	}
	if !strings.Contains(got, patchMarkers[rubric.TagIntent]) {
		t.Error("marker must head the patch even when drafted")
	}
}

func TestAdapt_DrafterFailureFallsBackToTemplate(t *testing.T) {
	a := New(&fakeDrafter{err: errors.New("model unavailable")}, nil)
	patched, _, err := a.Adapt(context.Background(), testConfig(), []analyze.Cluster{ctaCluster(2)})
	if err != nil {
		t.Fatalf("Adapt: %v", err)
	}
	if !strings.Contains(patched.Tasks[prompts.TaskWriteEmail].Description, patchTemplates[rubric.TagCTA]) {
		t.Error("template fallback not applied after drafting failure")
	}
}

func TestAdapt_CanceledContext(t *testing.T) {
	a := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := a.Adapt(ctx, testConfig(), []analyze.Cluster{intentCluster(2)}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
