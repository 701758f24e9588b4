package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// localTemperature keeps cleanup and breakdown output close to the source
// text instead of inventing content.
const localTemperature = 0.2

// LocalOptions configures the local chat completions client.
type LocalOptions struct {
	// BaseURL is the OpenAI-compatible API root, e.g. http://127.0.0.1:1234/v1.
	BaseURL string
	Model   string
	// APIKey is sent as a bearer token when set. Local servers usually
	// ignore it.
	APIKey         string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Retries        int
	RetryBackoff   time.Duration
}

// Local talks to an OpenAI-compatible chat completions server such as
// LM Studio, llama.cpp or vLLM.
type Local struct {
	httpClient     *http.Client
	baseURL        string
	model          string
	apiKey         string
	connectTimeout time.Duration
	attempts       int
	backoff        time.Duration

	probeMu sync.Mutex
	probed  bool
}

// NewLocal creates a client for a local model server.
func NewLocal(opts LocalOptions) *Local {
	return &Local{
		httpClient: &http.Client{
			Timeout: opts.ReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
			},
		},
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		model:          opts.Model,
		apiKey:         opts.APIKey,
		connectTimeout: opts.ConnectTimeout,
		attempts:       opts.Retries + 1,
		backoff:        opts.RetryBackoff,
	}
}

// Name implements Client.
func (c *Local) Name() string { return "local" }

// --- Wire types ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete implements Client. A failed health probe is returned without
// touching the retry budget so a downed server fails fast.
func (c *Local) Complete(ctx context.Context, system, prompt string) (*Completion, error) {
	if err := c.ensureReachable(ctx); err != nil {
		return nil, err
	}
	return withRetry(ctx, c.Name(), c.attempts, c.backoff, func(ctx context.Context) (string, error) {
		return c.complete(ctx, system, prompt)
	})
}

// ensureReachable probes GET /models once per process. The result is only
// cached on success, so a server that comes up later is picked up.
func (c *Local) ensureReachable(ctx context.Context) error {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()
	if c.probed {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return &Error{Backend: c.Name(), Kind: KindPermanent, Err: fmt.Errorf("build health check: %w", err)}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Backend: c.Name(), Kind: KindTransient, Err: fmt.Errorf("health check %s: %w", c.baseURL, err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return &Error{Backend: c.Name(), Kind: KindTransient, Err: fmt.Errorf("health check %s returned %d", c.baseURL, resp.StatusCode)}
	}

	log.Debug().Str("baseUrl", c.baseURL).Msg("Local model server reachable")
	c.probed = true
	return nil
}

func (c *Local) complete(ctx context.Context, system, prompt string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})
	payload := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: localTemperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &Error{Backend: c.Name(), Kind: KindPermanent, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Backend: c.Name(), Kind: KindPermanent, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Backend: c.Name(), Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Backend: c.Name(), Kind: KindTransient, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			Backend: c.Name(),
			Kind:    classifyStatus(resp.StatusCode),
			Err:     fmt.Errorf("chat completions returned %d: %s", resp.StatusCode, excerpt(data)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &Error{Backend: c.Name(), Kind: KindTransient, Err: fmt.Errorf("parse response: %w", err)}
	}
	if parsed.Error != nil {
		return "", &Error{Backend: c.Name(), Kind: KindTransient, Err: fmt.Errorf("API error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Backend: c.Name(), Kind: KindTransient, Err: errors.New("response has no choices")}
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", &Error{Backend: c.Name(), Kind: KindTransient, Err: errors.New("empty completion")}
	}
	return text, nil
}

// excerpt trims a response body for inclusion in an error message.
func excerpt(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
