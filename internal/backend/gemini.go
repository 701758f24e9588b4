package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiOptions configures the remote Gemini client.
type GeminiOptions struct {
	APIKey       string
	Model        string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

// Gemini generates completions through the Google GenAI API. Callers are
// responsible for anonymizing text before it reaches this client.
type Gemini struct {
	client   *genai.Client
	model    string
	timeout  time.Duration
	attempts int
	backoff  time.Duration
}

// NewGemini creates the remote client. ctx is only used during SDK setup.
func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: opts.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{
		client:   client,
		model:    opts.Model,
		timeout:  opts.Timeout,
		attempts: opts.Retries + 1,
		backoff:  opts.RetryBackoff,
	}, nil
}

// Name implements Client.
func (g *Gemini) Name() string { return "gemini" }

// Complete implements Client.
func (g *Gemini) Complete(ctx context.Context, system, prompt string) (*Completion, error) {
	return withRetry(ctx, g.Name(), g.attempts, g.backoff, func(ctx context.Context) (string, error) {
		return g.complete(ctx, system, prompt)
	})
}

func (g *Gemini) complete(ctx context.Context, system, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var config *genai.GenerateContentConfig
	if system != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		}
	}

	resp, err := g.client.Models.GenerateContent(callCtx, g.model, genai.Text(prompt), config)
	if err != nil {
		return "", &Error{Backend: g.Name(), Kind: classifyGenAI(err), Err: err}
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &Error{Backend: g.Name(), Kind: KindTransient, Err: errors.New("empty completion")}
	}
	return text, nil
}

// classifyGenAI maps SDK errors onto the retry taxonomy using the HTTP
// status carried by APIError. Anything else (network, timeout) is assumed
// transient.
func classifyGenAI(err error) Kind {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code)
	}
	return KindTransient
}
