package notes

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SaveRawCopy writes the raw transcript under the vault's raw directory so
// it survives independently of the session directory. Returns the path
// written.
func SaveRawCopy(rawDir, audioPath, text string, now time.Time) (string, error) {
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return "", fmt.Errorf("create raw dir: %w", err)
	}

	name := filepath.Base(audioPath)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	path := filepath.Join(rawDir, fmt.Sprintf("%s-%s.txt", now.Format("20060102-150405"), stem))

	if err := os.WriteFile(path, []byte(strings.TrimSpace(text)+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write raw transcript: %w", err)
	}
	return path, nil
}
