// Package metrics records one JSONL line per processing run in the vault's
// metrics log and summarizes past runs for the report command.
package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Run status values.
const (
	StatusStarted = "started"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Record is one line of the metrics log. Field names are part of the log
// format; the report and any vault tooling key off them.
type Record struct {
	SessionID           string             `json:"session_id"`
	RunID               string             `json:"run_id,omitempty"`
	Timestamp           time.Time          `json:"timestamp"`
	AudioFile           string             `json:"audio_file"`
	AudioPath           string             `json:"audio_path"`
	RawOnly             bool               `json:"raw_only"`
	CleanOnly           bool               `json:"clean_only"`
	Status              string             `json:"status"`
	Error               string             `json:"error,omitempty"`
	RoutingDecision     string             `json:"routing_decision,omitempty"`
	DurationsSec        map[string]float64 `json:"durations_sec"`
	Attempts            map[string]int     `json:"attempts,omitempty"`
	TranscriptionMethod string             `json:"transcription_method,omitempty"`
	BreakdownModel      string             `json:"breakdown_model,omitempty"`
	CaptureFile         string             `json:"capture_file,omitempty"`
	SessionDir          string             `json:"session_dir,omitempty"`
	RawTranscriptPath   string             `json:"raw_transcript_path,omitempty"`
	RawChars            int                `json:"raw_chars,omitempty"`
	RawWords            int                `json:"raw_words,omitempty"`
	CleanTranscriptPath string             `json:"clean_transcript_path,omitempty"`
	CleanChars          int                `json:"clean_chars,omitempty"`
	CleanWords          int                `json:"clean_words,omitempty"`
	CompressionRatio    float64            `json:"compression_ratio,omitempty"`
	TasksPath           string             `json:"tasks_path,omitempty"`
	ArchivedAudioPath   string             `json:"archived_audio_path,omitempty"`
}

// Recorder accumulates one run's metrics and writes them as a single JSONL
// line on Flush. It is not safe for concurrent use; create one per run.
type Recorder struct {
	path   string
	record Record
}

// NewRecorder starts a recorder for one processing run.
func NewRecorder(path, sessionID, audioPath string) *Recorder {
	return &Recorder{
		path: path,
		record: Record{
			SessionID:    sessionID,
			Timestamp:    time.Now(),
			AudioFile:    filepath.Base(audioPath),
			AudioPath:    audioPath,
			Status:       StatusStarted,
			DurationsSec: make(map[string]float64),
			Attempts:     make(map[string]int),
		},
	}
}

// RunID tags the run for correlation with the processing event log.
func (r *Recorder) RunID(id string) *Recorder {
	r.record.RunID = id
	return r
}

// Mode records which pipeline mode the run used.
func (r *Recorder) Mode(rawOnly, cleanOnly bool) *Recorder {
	r.record.RawOnly = rawOnly
	r.record.CleanOnly = cleanOnly
	return r
}

// Routing records the session's routing decision.
func (r *Recorder) Routing(decision string) *Recorder {
	r.record.RoutingDecision = decision
	return r
}

// Duration records a stage duration, rounded to milliseconds in the log.
func (r *Recorder) Duration(stage string, d time.Duration) *Recorder {
	r.record.DurationsSec[stage] = round3(d.Seconds())
	return r
}

// BackendAttempts records how many requests a backend call needed.
func (r *Recorder) BackendAttempts(stage string, n int) *Recorder {
	r.record.Attempts[stage] = n
	return r
}

// Method records the transcription method.
func (r *Recorder) Method(method string) *Recorder {
	r.record.TranscriptionMethod = method
	return r
}

// BreakdownModel records which model produced the task breakdown.
func (r *Recorder) BreakdownModel(model string) *Recorder {
	r.record.BreakdownModel = model
	return r
}

// Paths records where this run's outputs live.
func (r *Recorder) Paths(captureFile, sessionDir string) *Recorder {
	r.record.CaptureFile = captureFile
	r.record.SessionDir = sessionDir
	return r
}

// RawTranscript records the raw transcript location and size.
func (r *Recorder) RawTranscript(path, text string) *Recorder {
	r.record.RawTranscriptPath = path
	r.record.RawChars = len(text)
	r.record.RawWords = len(strings.Fields(text))
	return r
}

// CleanTranscript records the cleaned transcript location, size, and the
// clean/raw character ratio.
func (r *Recorder) CleanTranscript(path, text string, rawChars int) *Recorder {
	r.record.CleanTranscriptPath = path
	r.record.CleanChars = len(text)
	r.record.CleanWords = len(strings.Fields(text))
	if rawChars < 1 {
		rawChars = 1
	}
	r.record.CompressionRatio = round4(float64(len(text)) / float64(rawChars))
	return r
}

// TasksPath records where the breakdown artifact was written.
func (r *Recorder) TasksPath(path string) *Recorder {
	r.record.TasksPath = path
	return r
}

// Archived records where the audio was moved.
func (r *Recorder) Archived(path string) *Recorder {
	r.record.ArchivedAudioPath = path
	return r
}

// Success marks the run successful.
func (r *Recorder) Success() *Recorder {
	r.record.Status = StatusSuccess
	return r
}

// Failure marks the run failed and keeps the error text.
func (r *Recorder) Failure(err error) *Recorder {
	r.record.Status = StatusFailed
	if err != nil {
		r.record.Error = err.Error()
	}
	return r
}

// Record returns a copy of the accumulated record.
func (r *Recorder) Record() Record {
	return r.record
}

// Flush appends the record to the metrics log as one JSON line. The
// recorder should not be reused afterwards.
func (r *Recorder) Flush() error {
	data, err := json.Marshal(r.record)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open metrics log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append metrics: %w", err)
	}
	return nil
}

// WriteMeta writes the record as indented JSON into the session directory,
// next to the stage artifacts.
func (r *Recorder) WriteMeta(dir string) error {
	data, err := json.MarshalIndent(r.record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	data = append(data, '\n')
	path := filepath.Join(dir, "session_meta.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session meta: %w", err)
	}
	return nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
