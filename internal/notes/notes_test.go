package notes

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEntry_Render(t *testing.T) {
	e := Entry{
		Timestamp:           time.Date(2026, 3, 14, 9, 27, 0, 0, time.UTC),
		AudioFile:           "note1.m4a",
		TranscriptionMethod: "whisper_local",
		BreakdownModel:      "local_llm",
		RawText:             "uh buy milk and um call mom",
		CleanText:           "Buy milk and call mom.",
		Breakdown:           "- [ ] Buy milk\n- [ ] Call mom",
	}

	want := `
## 2026-03-14 09:27
**Audio:** [[note1.m4a]]
**Transcription:** whisper_local | **Breakdown:** local_llm

**Raw Transcription:**
> uh buy milk and um call mom

**Cleaned:**
Buy milk and call mom.

**Tasks:**
- [ ] Buy milk
- [ ] Call mom

---
`
	if got := e.Render(); got != want {
		t.Errorf("Render mismatch:\ngot:\n%q\nwant:\n%q", got, want)
	}
}

func TestAppender_AppendsWholeBlocks(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "capture.md")
	a := NewAppender(capture)

	first := Entry{Timestamp: time.Now(), AudioFile: "a.m4a", TranscriptionMethod: "whisper_local", BreakdownModel: "local_llm", RawText: "one", CleanText: "one", Breakdown: "- [ ] one"}
	second := first
	second.AudioFile = "b.m4a"

	if err := a.Append(first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := a.Append(second); err != nil {
		t.Fatalf("append second: %v", err)
	}

	data, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "[[a.m4a]]") || !strings.Contains(content, "[[b.m4a]]") {
		t.Errorf("capture missing entries:\n%s", content)
	}
	if got := strings.Count(content, "\n---\n"); got != 2 {
		t.Errorf("capture has %d entry terminators, want 2", got)
	}
}

func TestAppender_ConcurrentEntriesDoNotInterleave(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "capture.md")
	a := NewAppender(capture)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := Entry{
				Timestamp:           time.Now(),
				AudioFile:           "note.m4a",
				TranscriptionMethod: "whisper_local",
				BreakdownModel:      "local_llm",
				RawText:             strings.Repeat("raw ", 100),
				CleanText:           strings.Repeat("clean ", 100),
				Breakdown:           "- [ ] task",
			}
			if err := a.Append(e); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	content := string(data)
	if got := strings.Count(content, "\n## "); got != n {
		t.Errorf("found %d entry headers, want %d", got, n)
	}
	if got := strings.Count(content, "\n---\n"); got != n {
		t.Errorf("found %d entry terminators, want %d", got, n)
	}
	// Every header must be followed by its own terminator before the next
	// header starts.
	for rest := content; ; {
		start := strings.Index(rest, "\n## ")
		if start < 0 {
			break
		}
		rest = rest[start+1:]
		end := strings.Index(rest, "\n---\n")
		next := strings.Index(rest[1:], "\n## ")
		if next >= 0 && (end < 0 || end > next) {
			t.Fatal("entries interleaved in capture note")
		}
	}
}

func TestArchiver_MovesAndSuffixesClashes(t *testing.T) {
	inbox := t.TempDir()
	processed := t.TempDir()

	a := NewArchiver(processed)
	a.now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }

	src := filepath.Join(inbox, "note1.m4a")
	if err := os.WriteFile(src, []byte("first"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	dest, err := a.Archive(src)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if dest != filepath.Join(processed, "note1.m4a") {
		t.Errorf("dest = %s", dest)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still present after archive")
	}

	// Same name again: suffixed, original untouched.
	if err := os.WriteFile(src, []byte("second"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	dest2, err := a.Archive(src)
	if err != nil {
		t.Fatalf("Archive clash: %v", err)
	}
	if dest2 != filepath.Join(processed, "note1-20260314-093000.m4a") {
		t.Errorf("clash dest = %s", dest2)
	}
	first, _ := os.ReadFile(dest)
	if string(first) != "first" {
		t.Error("earlier archive was overwritten")
	}
}

func TestSaveRawCopy(t *testing.T) {
	rawDir := filepath.Join(t.TempDir(), "raw")
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	path, err := SaveRawCopy(rawDir, "/vault/audio/note1.m4a", "  raw text  ", now)
	if err != nil {
		t.Fatalf("SaveRawCopy: %v", err)
	}
	if filepath.Base(path) != "20260314-092653-note1.txt" {
		t.Errorf("raw copy name = %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read raw copy: %v", err)
	}
	if string(data) != "raw text\n" {
		t.Errorf("raw copy content = %q", string(data))
	}
}
