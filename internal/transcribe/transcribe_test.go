package transcribe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func audioFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "note1.m4a")
	if err := os.WriteFile(path, []byte("fake audio bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestWhisper_Transcribe_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "base" {
			t.Errorf("model field = %q, want base", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("file field: %v", err)
		}
		file.Close()
		if header.Filename != "note1.m4a" {
			t.Errorf("filename = %q, want note1.m4a", header.Filename)
		}
		w.Write([]byte(`{"text": "  buy milk and call mom  "}`))
	}))
	defer server.Close()

	client := NewWhisper(server.URL, "base", 5*time.Second)
	res, err := client.Transcribe(context.Background(), audioFixture(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "buy milk and call mom" {
		t.Errorf("Text = %q, want trimmed transcript", res.Text)
	}
	if res.Method != MethodWhisperLocal {
		t.Errorf("Method = %q, want %q", res.Method, MethodWhisperLocal)
	}
}

func TestWhisper_Transcribe_EmptyTextFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"text": "   "}`))
	}))
	defer server.Close()

	client := NewWhisper(server.URL, "base", 5*time.Second)
	_, err := client.Transcribe(context.Background(), audioFixture(t))

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want *Error", err)
	}
}

func TestWhisper_Transcribe_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewWhisper(server.URL, "base", 5*time.Second)
	_, err := client.Transcribe(context.Background(), audioFixture(t))

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want *Error", err)
	}
}

func TestWhisper_Transcribe_MissingFile(t *testing.T) {
	hit := false
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hit = true
	}))
	defer server.Close()

	client := NewWhisper(server.URL, "base", 5*time.Second)
	_, err := client.Transcribe(context.Background(), filepath.Join(t.TempDir(), "nope.m4a"))

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if hit {
		t.Error("server was contacted for a file that does not exist")
	}
}
