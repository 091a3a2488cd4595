// Package llm provides the minimal completion interface the pipeline and the
// model-backed adaptation strategy use, plus a Gemini implementation.
package llm

import "context"

// Client is the minimal interface components use to call a language model.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
