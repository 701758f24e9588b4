// Package transcribe converts captured audio to text through a local
// whisper-compatible server.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// MethodWhisperLocal tags transcripts produced by the local whisper server.
const MethodWhisperLocal = "whisper_local"

// Error reports a failed transcription attempt.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcribe %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is a completed transcription.
type Result struct {
	Text   string
	Method string
}

// Transcriber converts an audio file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*Result, error)
}

// Whisper talks to an OpenAI-compatible transcriptions endpoint, such as the
// whisper.cpp server or speaches.
type Whisper struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// NewWhisper creates a client for the transcription server. The timeout
// bounds the whole upload-and-transcribe round trip.
func NewWhisper(baseURL, model string, timeout time.Duration) *Whisper {
	return &Whisper{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe implements Transcriber by uploading the audio file as
// multipart form data. An empty transcript is an error, not a result.
func (w *Whisper) Transcribe(ctx context.Context, audioPath string) (*Result, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, &Error{Path: audioPath, Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, &Error{Path: audioPath, Err: fmt.Errorf("build form: %w", err)}
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, &Error{Path: audioPath, Err: fmt.Errorf("read audio: %w", err)}
	}
	if err := form.WriteField("model", w.model); err != nil {
		return nil, &Error{Path: audioPath, Err: fmt.Errorf("build form: %w", err)}
	}
	if err := form.Close(); err != nil {
		return nil, &Error{Path: audioPath, Err: fmt.Errorf("build form: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, &Error{Path: audioPath, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	log.Debug().Str("audio", filepath.Base(audioPath)).Str("model", w.model).Msg("Transcribing audio")
	start := time.Now()

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Path: audioPath, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Path: audioPath, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Path: audioPath, Err: fmt.Errorf("transcriptions returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &Error{Path: audioPath, Err: fmt.Errorf("parse response: %w", err)}
	}
	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		return nil, &Error{Path: audioPath, Err: errors.New("transcription returned empty text")}
	}

	log.Info().
		Str("audio", filepath.Base(audioPath)).
		Int("chars", len(text)).
		Dur("duration", time.Since(start)).
		Msg("Transcription complete")
	return &Result{Text: text, Method: MethodWhisperLocal}, nil
}
