package notes

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ArchiveError reports audio that could not be moved out of the inbox.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// Archiver moves processed audio into the processed directory.
type Archiver struct {
	dir string
	now func() time.Time
}

// NewArchiver creates an archiver targeting dir.
func NewArchiver(dir string) *Archiver {
	return &Archiver{dir: dir, now: time.Now}
}

// Archive moves the audio file into the processed directory and returns the
// destination. A name clash gets a timestamp suffix instead of overwriting
// the earlier recording.
func (a *Archiver) Archive(audioPath string) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", &ArchiveError{Path: audioPath, Err: err}
	}

	name := filepath.Base(audioPath)
	dest := filepath.Join(a.dir, name)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		dest = filepath.Join(a.dir, fmt.Sprintf("%s-%s%s", stem, a.now().Format("20060102-150405"), ext))
	}

	if err := moveFile(audioPath, dest); err != nil {
		return "", &ArchiveError{Path: audioPath, Err: err}
	}

	log.Info().Str("audio", name).Str("archivedTo", dest).Msg("Audio archived")
	return dest, nil
}

// moveFile renames, falling back to copy-and-remove when the vault spans
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
