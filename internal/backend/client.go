// Package backend provides the text-generation clients used for transcript
// cleanup and task breakdown: a local OpenAI-compatible server and the
// remote Gemini API. Both share one retry policy and one error taxonomy so
// callers can treat them interchangeably.
package backend

import "context"

// Completion is a successful backend response. Attempts counts the requests
// sent, including the one that succeeded.
type Completion struct {
	Text     string
	Attempts int
}

// Client generates text from a system instruction and a user prompt.
// Implementations run their own bounded retry loop and report failures as
// *Error.
type Client interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (*Completion, error)
}
