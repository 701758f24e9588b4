package metrics

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// ReadLog loads every record from the metrics log. A missing file is an
// empty log; unparseable lines are skipped so one bad write cannot hide the
// rest of the history.
func ReadLog(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open metrics log: %w", err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Warn().Str("log", path).Int("line", lineNo).Err(err).Msg("Skipping unparseable metrics line")
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("read metrics log: %w", err)
	}
	return records, nil
}

// Summary aggregates a set of run records.
type Summary struct {
	Total   int
	Success int
	Failed  int
	RawOnly int

	AvgTotalSec float64

	CleanupRuns   int
	AvgCleanupSec float64

	BreakdownRuns   int
	AvgBreakdownSec float64

	CompressionRuns int
	AvgCompression  float64
}

// Summarize aggregates records the way the report presents them: averages
// are taken over successful runs, and the cleanup, breakdown, and
// compression averages only over runs that recorded them.
func Summarize(records []Record) Summary {
	s := Summary{Total: len(records)}

	var totalSec, cleanupSec, breakdownSec, compression float64
	var totalRuns int
	for _, r := range records {
		switch r.Status {
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		}
		if r.Status != StatusSuccess {
			continue
		}
		if r.RawOnly {
			s.RawOnly++
		}

		totalRuns++
		totalSec += r.DurationsSec["total"]
		if v, ok := r.DurationsSec["cleanup"]; ok {
			s.CleanupRuns++
			cleanupSec += v
		}
		if v, ok := r.DurationsSec["breakdown"]; ok {
			s.BreakdownRuns++
			breakdownSec += v
		}
		if r.CompressionRatio > 0 {
			s.CompressionRuns++
			compression += r.CompressionRatio
		}
	}

	if totalRuns > 0 {
		s.AvgTotalSec = totalSec / float64(totalRuns)
	}
	if s.CleanupRuns > 0 {
		s.AvgCleanupSec = cleanupSec / float64(s.CleanupRuns)
	}
	if s.BreakdownRuns > 0 {
		s.AvgBreakdownSec = breakdownSec / float64(s.BreakdownRuns)
	}
	if s.CompressionRuns > 0 {
		s.AvgCompression = compression / float64(s.CompressionRuns)
	}
	return s
}
