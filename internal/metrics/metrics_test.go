package metrics

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecorder_FlushWritesOneLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")

	rec := NewRecorder(path, "20260314-092653-note1", "/vault/audio/note1.m4a").
		RunID("run-1").
		Mode(false, false).
		Routing("local_only").
		Duration("transcription", 1234*time.Millisecond).
		Duration("total", 4*time.Second).
		BackendAttempts("cleanup", 1).
		Method("whisper_local").
		BreakdownModel("local_llm").
		RawTranscript("/vault/raw/x.txt", "uh buy milk and call mom").
		CleanTranscript("/vault/sessions/s/cleaned_transcript.txt", "Buy milk. Call mom.", len("uh buy milk and call mom")).
		Success()

	if err := rec.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("metrics log has %d lines, want 1", len(lines))
	}

	var got Record
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("parse metrics line: %v", err)
	}
	if got.SessionID != "20260314-092653-note1" || got.AudioFile != "note1.m4a" {
		t.Errorf("identity fields wrong: %+v", got)
	}
	if got.Status != StatusSuccess {
		t.Errorf("Status = %s", got.Status)
	}
	if got.DurationsSec["transcription"] != 1.234 {
		t.Errorf("transcription duration = %v, want 1.234", got.DurationsSec["transcription"])
	}
	if got.Attempts["cleanup"] != 1 {
		t.Errorf("cleanup attempts = %d", got.Attempts["cleanup"])
	}
	if got.RawWords != 6 || got.RawChars != 24 {
		t.Errorf("raw stats = %d chars %d words", got.RawChars, got.RawWords)
	}
	if got.CompressionRatio != round4(19.0/24.0) {
		t.Errorf("compression ratio = %v", got.CompressionRatio)
	}
}

func TestRecorder_FailureKeepsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")

	rec := NewRecorder(path, "s-1", "/vault/audio/a.m4a").
		Duration("total", time.Second).
		Failure(errors.New("local backend: exhausted after 3 attempt(s): overloaded"))
	if err := rec.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	records, err := ReadLog(path)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0].Status != StatusFailed || !strings.Contains(records[0].Error, "exhausted") {
		t.Errorf("failure record = %+v", records[0])
	}
}

func TestRecorder_WriteMeta(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(filepath.Join(dir, "metrics.jsonl"), "s-1", "/vault/audio/a.m4a").Success()

	if err := rec.WriteMeta(dir); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "session_meta.json"))
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	var got Record
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("parse meta: %v", err)
	}
	if got.SessionID != "s-1" {
		t.Errorf("meta = %+v", got)
	}
}

func TestReadLog_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.jsonl")

	records, err := ReadLog(path)
	if err != nil || records != nil {
		t.Fatalf("missing log: records=%v err=%v, want nil/nil", records, err)
	}

	content := `{"session_id":"a","status":"success","durations_sec":{"total":2}}
not json at all
{"session_id":"b","status":"failed","durations_sec":{"total":1}}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	records, err = ReadLog(path)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records, want 2 with corrupt line skipped", len(records))
	}
}

func TestSummarize(t *testing.T) {
	records := []Record{
		{Status: StatusSuccess, DurationsSec: map[string]float64{"total": 10, "cleanup": 2, "breakdown": 3}, CompressionRatio: 0.8},
		{Status: StatusSuccess, DurationsSec: map[string]float64{"total": 20, "cleanup": 4}, CompressionRatio: 0.6},
		{Status: StatusSuccess, RawOnly: true, DurationsSec: map[string]float64{"total": 3}},
		{Status: StatusFailed, DurationsSec: map[string]float64{"total": 99}},
	}

	s := Summarize(records)
	if s.Total != 4 || s.Success != 3 || s.Failed != 1 || s.RawOnly != 1 {
		t.Errorf("counts = %+v", s)
	}
	if s.AvgTotalSec != 11 {
		t.Errorf("AvgTotalSec = %v, want 11", s.AvgTotalSec)
	}
	if s.CleanupRuns != 2 || s.AvgCleanupSec != 3 {
		t.Errorf("cleanup = %d runs avg %v", s.CleanupRuns, s.AvgCleanupSec)
	}
	if s.BreakdownRuns != 1 || s.AvgBreakdownSec != 3 {
		t.Errorf("breakdown = %d runs avg %v", s.BreakdownRuns, s.AvgBreakdownSec)
	}
	if s.CompressionRuns != 2 || s.AvgCompression != 0.7 {
		t.Errorf("compression = %d runs avg %v", s.CompressionRuns, s.AvgCompression)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	if s.Total != 0 || s.AvgTotalSec != 0 {
		t.Errorf("empty summary = %+v", s)
	}
}
