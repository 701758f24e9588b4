package notes

import (
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// AppendError reports a capture entry that could not be written.
type AppendError struct {
	Path string
	Err  error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append capture %s: %v", e.Path, e.Err)
}

func (e *AppendError) Unwrap() error {
	return e.Err
}

// Appender serializes writes to the capture note. Writers in this process
// queue on a mutex; writers in other processes are excluded with an
// advisory lock next to the note.
type Appender struct {
	path string
	mu   sync.Mutex
}

// NewAppender creates an appender for the given capture note path.
func NewAppender(path string) *Appender {
	return &Appender{path: path}
}

// Append renders the entry and writes the whole block in a single call, so
// concurrent sessions never interleave inside an entry.
func (a *Appender) Append(e Entry) error {
	block := e.Render()

	a.mu.Lock()
	defer a.mu.Unlock()

	fl := flock.New(a.path + ".lock")
	if err := fl.Lock(); err != nil {
		return &AppendError{Path: a.path, Err: fmt.Errorf("acquire lock: %w", err)}
	}
	defer fl.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &AppendError{Path: a.path, Err: err}
	}
	if _, err := f.WriteString(block); err != nil {
		f.Close()
		return &AppendError{Path: a.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &AppendError{Path: a.path, Err: err}
	}

	log.Debug().Str("capture", a.path).Int("bytes", len(block)).Msg("Capture entry appended")
	return nil
}
