package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fpang/voicenote-pipeline/internal/anonymize"
	"github.com/fpang/voicenote-pipeline/internal/backend"
	"github.com/fpang/voicenote-pipeline/internal/events"
	"github.com/fpang/voicenote-pipeline/internal/metrics"
	"github.com/fpang/voicenote-pipeline/internal/notes"
	"github.com/fpang/voicenote-pipeline/internal/pipeline"
	"github.com/fpang/voicenote-pipeline/internal/routing"
	"github.com/fpang/voicenote-pipeline/internal/session"
	"github.com/fpang/voicenote-pipeline/internal/transcribe"
)

type fakeTranscriber struct {
	mu      sync.Mutex
	calls   int
	failFor string        // base name that fails with a transcription error
	block   chan struct{} // when set, Transcribe waits here until closed
	started chan struct{} // closed when the first blocked call is reached
	once    sync.Once
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audioPath string) (*transcribe.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		f.once.Do(func() { close(f.started) })
		<-f.block
	}
	if f.failFor != "" && filepath.Base(audioPath) == f.failFor {
		return nil, &transcribe.Error{Path: audioPath, Err: errors.New("engine offline")}
	}
	return &transcribe.Result{Text: "buy milk and call mom", Method: transcribe.MethodWhisperLocal}, nil
}

type fakeBackend struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeBackend) Name() string { return "local" }

func (f *fakeBackend) Complete(_ context.Context, _ string, prompt string) (*backend.Completion, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if strings.Contains(prompt, "Clean up this voice transcription") {
		return &backend.Completion{Text: "Buy milk and call mom.", Attempts: 1}, nil
	}
	return &backend.Completion{Text: "- [ ] Buy milk #quick\n- [ ] Call mom #personal", Attempts: 1}, nil
}

type dispatchEnv struct {
	dir   string
	store *session.FileStore
	local *fakeBackend
	deps  pipeline.Deps
}

func newDispatchEnv(t *testing.T, trans *fakeTranscriber) *dispatchEnv {
	t.Helper()
	dir := t.TempDir()
	scrubber, err := anonymize.New(anonymize.DefaultReplacements)
	if err != nil {
		t.Fatalf("build scrubber: %v", err)
	}

	env := &dispatchEnv{
		dir:   dir,
		store: session.NewFileStore(filepath.Join(dir, "sessions")),
		local: &fakeBackend{},
	}
	env.deps = pipeline.Deps{
		Store:       env.store,
		Transcriber: trans,
		LocalLLM:    env.local,
		Scrubber:    scrubber,
		Appender:    notes.NewAppender(filepath.Join(dir, "capture.md")),
		Archiver:    notes.NewArchiver(filepath.Join(dir, "archive")),
		Events:      events.NewLog(filepath.Join(dir, "logs")),
		RoutePolicy: routing.Policy{Enabled: false},
		RawDir:      filepath.Join(dir, "raw"),
		CaptureFile: filepath.Join(dir, "capture.md"),
		MetricsFile: filepath.Join(dir, "logs", "metrics.jsonl"),
	}
	return env
}

func (e *dispatchEnv) dispatcher(workers int) *Dispatcher {
	return New(e.store, pipeline.New(e.deps), workers)
}

func (e *dispatchEnv) writeAudio(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte("fake audio"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func TestDispatch_ProcessesCapture(t *testing.T) {
	env := newDispatchEnv(t, &fakeTranscriber{})
	d := env.dispatcher(2)
	path := env.writeAudio(t, "note1.m4a")

	if err := d.Dispatch(context.Background(), path, pipeline.ModeAll); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	sessions, err := env.store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || !sessions[0].Terminal() {
		t.Fatalf("sessions = %d, terminal = %v", len(sessions), len(sessions) == 1 && sessions[0].Terminal())
	}

	capture, err := os.ReadFile(env.deps.CaptureFile)
	if err != nil {
		t.Fatalf("read capture file: %v", err)
	}
	if !strings.Contains(string(capture), "[[note1.m4a]]") {
		t.Errorf("capture entry missing audio link: %s", capture)
	}
}

func TestDispatch_SamePathConcurrentlyIsRejected(t *testing.T) {
	trans := &fakeTranscriber{block: make(chan struct{}), started: make(chan struct{})}
	env := newDispatchEnv(t, trans)
	d := env.dispatcher(2)
	path := env.writeAudio(t, "note1.m4a")

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- d.Dispatch(context.Background(), path, pipeline.ModeAll)
	}()
	<-trans.started // first run now holds the session lock

	err := d.Dispatch(context.Background(), path, pipeline.ModeAll)
	if !errors.Is(err, ErrAlreadyProcessing) {
		t.Fatalf("second dispatch error = %v, want ErrAlreadyProcessing", err)
	}

	close(trans.block)
	if err := <-firstErr; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	// The rejected dispatch left no trace: one session, one capture entry.
	sessions, err := env.store.List()
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions = %d (err %v), want 1", len(sessions), err)
	}
	capture, err := os.ReadFile(env.deps.CaptureFile)
	if err != nil {
		t.Fatalf("read capture file: %v", err)
	}
	if got := strings.Count(string(capture), "\n## "); got != 1 {
		t.Errorf("capture entries = %d, want 1", got)
	}
}

func TestDispatch_CanceledWhileWaitingForSlot(t *testing.T) {
	trans := &fakeTranscriber{block: make(chan struct{}), started: make(chan struct{})}
	env := newDispatchEnv(t, trans)
	d := env.dispatcher(1)
	first := env.writeAudio(t, "note1.m4a")
	second := env.writeAudio(t, "note2.m4a")

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- d.Dispatch(context.Background(), first, pipeline.ModeAll)
	}()
	<-trans.started // the only worker slot is now taken

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Dispatch(ctx, second, pipeline.ModeAll); !errors.Is(err, context.Canceled) {
		t.Fatalf("dispatch error = %v, want context.Canceled", err)
	}

	close(trans.block)
	if err := <-firstErr; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
}

func TestProcessAll_ContinuesPastFailures(t *testing.T) {
	trans := &fakeTranscriber{failFor: "bad.m4a"}
	env := newDispatchEnv(t, trans)
	d := env.dispatcher(2)

	paths := []string{
		env.writeAudio(t, "a.m4a"),
		env.writeAudio(t, "bad.m4a"),
		env.writeAudio(t, "c.m4a"),
	}
	results := d.ProcessAll(context.Background(), paths, pipeline.ModeAll)

	if len(results) != len(paths) {
		t.Fatalf("results = %d, want %d", len(results), len(paths))
	}
	for i, res := range results {
		if res.AudioPath != paths[i] {
			t.Errorf("result %d = %s, want %s (input order)", i, res.AudioPath, paths[i])
		}
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("healthy captures failed: %v, %v", results[0].Err, results[2].Err)
	}
	var terr *transcribe.Error
	if !errors.As(results[1].Err, &terr) {
		t.Errorf("bad capture error = %v, want *transcribe.Error", results[1].Err)
	}

	capture, err := os.ReadFile(env.deps.CaptureFile)
	if err != nil {
		t.Fatalf("read capture file: %v", err)
	}
	if got := strings.Count(string(capture), "\n## "); got != 2 {
		t.Errorf("capture entries = %d, want 2", got)
	}

	records, err := metrics.ReadLog(env.deps.MetricsFile)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	var success, failed int
	for _, rec := range records {
		switch rec.Status {
		case metrics.StatusSuccess:
			success++
		case metrics.StatusFailed:
			failed++
		}
	}
	if success != 2 || failed != 1 {
		t.Errorf("metrics outcomes = %d success / %d failed, want 2/1", success, failed)
	}
}

func TestListAudio(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"note2.m4a", "note1.M4A", "skip.txt", ".hidden.m4a", "clip.webm"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "folder.m4a"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := ListAudio(dir, []string{".m4a", ".webm"})
	if err != nil {
		t.Fatalf("ListAudio: %v", err)
	}
	want := []string{
		filepath.Join(dir, "clip.webm"),
		filepath.Join(dir, "note1.M4A"),
		filepath.Join(dir, "note2.m4a"),
	}
	if len(got) != len(want) {
		t.Fatalf("ListAudio = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListAudio[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestListAudio_MissingDir(t *testing.T) {
	if _, err := ListAudio(filepath.Join(t.TempDir(), "nope"), []string{".m4a"}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
