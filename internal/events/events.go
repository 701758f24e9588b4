// Package events maintains the vault's monthly processing logs: append-only
// JSONL files, one per month, compacted to zstd once the month is over.
package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// Stage status values recorded in the processing log.
const (
	StatusStarted = "started"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Entry is one line in the processing log.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	AudioFile string    `json:"audio_file,omitempty"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
}

// Log appends to monthly files named YYYY-MM-processing.jsonl under the
// vault's logs directory.
type Log struct {
	dir string
	mu  sync.Mutex
}

// NewLog creates a log rooted at dir.
func NewLog(dir string) *Log {
	return &Log{dir: dir}
}

func (l *Log) fileFor(month string) string {
	return filepath.Join(l.dir, month+"-processing.jsonl")
}

// Append writes one entry to the month log matching its timestamp.
func (l *Log) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	path := l.fileFor(e.Timestamp.Format("2006-01"))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Read returns all entries for a month like "2026-03", whether the log is
// still plain JSONL or already compacted. Lines that fail to parse are
// skipped with a warning so one bad write cannot hide a whole month.
func (l *Log) Read(month string) ([]Entry, error) {
	path := l.fileFor(month)
	if f, err := os.Open(path); err == nil {
		defer f.Close()
		return decodeEntries(f, path), nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	zf, err := os.Open(path + ".zst")
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer zf.Close()
	dec, err := zstd.NewReader(zf)
	if err != nil {
		return nil, fmt.Errorf("open zstd reader: %w", err)
	}
	defer dec.Close()
	return decodeEntries(dec, path+".zst"), nil
}

func decodeEntries(r io.Reader, path string) []Entry {
	var entries []Entry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			log.Warn().Str("log", path).Int("line", lineNo).Err(err).Msg("Skipping unparseable event line")
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		log.Warn().Str("log", path).Err(err).Msg("Event log read stopped early")
	}
	return entries
}

// Months lists the months with a processing log, oldest first.
func (l *Log) Months() ([]string, error) {
	dirents, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read logs dir: %w", err)
	}

	seen := make(map[string]bool)
	for _, de := range dirents {
		month, ok := monthOf(de.Name())
		if ok {
			seen[month] = true
		}
	}
	months := make([]string, 0, len(seen))
	for m := range seen {
		months = append(months, m)
	}
	sort.Strings(months)
	return months, nil
}

// Compact compresses every month log older than now's month and removes the
// plain file once the compressed copy is verified. Returns the months it
// compacted.
func (l *Log) Compact(now time.Time) ([]string, error) {
	current := now.Format("2006-01")
	dirents, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read logs dir: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var compacted []string
	for _, de := range dirents {
		name := de.Name()
		if !strings.HasSuffix(name, "-processing.jsonl") {
			continue
		}
		month, ok := monthOf(name)
		if !ok || month >= current {
			continue
		}
		if err := compactFile(filepath.Join(l.dir, name)); err != nil {
			return compacted, fmt.Errorf("compact %s: %w", name, err)
		}
		log.Info().Str("month", month).Msg("Compacted processing log")
		compacted = append(compacted, month)
	}
	sort.Strings(compacted)
	return compacted, nil
}

// compactFile writes path.zst and removes path, verifying the compressed
// copy decodes back to the original bytes before the plain file goes away.
func compactFile(path string) error {
	plain, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tmp := path + ".zst.tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(12)))
	if err != nil {
		out.Close()
		return err
	}
	if _, err := enc.Write(plain); err != nil {
		enc.Close()
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	compressed, err := os.ReadFile(tmp)
	if err != nil {
		return err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	roundTrip, err := dec.DecodeAll(compressed, nil)
	dec.Close()
	if err != nil || !bytes.Equal(roundTrip, plain) {
		os.Remove(tmp)
		return fmt.Errorf("verification failed: %v", err)
	}

	if err := os.Rename(tmp, path+".zst"); err != nil {
		return err
	}
	return os.Remove(path)
}

// monthOf extracts "2026-03" from "2026-03-processing.jsonl" or its .zst
// counterpart.
func monthOf(name string) (string, bool) {
	name = strings.TrimSuffix(name, ".zst")
	month, ok := strings.CutSuffix(name, "-processing.jsonl")
	if !ok {
		return "", false
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		return "", false
	}
	return month, true
}
