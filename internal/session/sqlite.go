package session

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteStore keeps session records in a single SQLite database. Stage
// artifacts and locks stay on the filesystem under <root>/<session_id>/
// exactly as FileStore lays them out, so the two backings can be swapped on
// the same vault without migrating artifacts.
type SQLiteStore struct {
	db   *sql.DB
	root string
	now  func() time.Time
}

// NewSQLiteStore opens (creating if needed) the session database at dbPath,
// with artifacts rooted at root.
func NewSQLiteStore(root, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping session db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session db schema: %w", err)
	}

	return &SQLiteStore{db: db, root: root, now: time.Now}, nil
}

// Close closes the database connection.
func (st *SQLiteStore) Close() error {
	return st.db.Close()
}

// Dir returns the directory holding one session's artifacts.
func (st *SQLiteStore) Dir(sessionID string) string {
	return filepath.Join(st.root, sessionID)
}

// LoadOrCreate implements Store. Resolution is serialized with the same
// directory-level lock FileStore uses, so processes on different backings
// still resolve one session per path.
func (st *SQLiteStore) LoadOrCreate(audioPath string) (*Session, error) {
	abs, err := filepath.Abs(audioPath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", audioPath, err)
	}

	if err := os.MkdirAll(st.root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	resolve := flock.New(filepath.Join(st.root, ".resolve.lock"))
	if err := resolve.Lock(); err != nil {
		return nil, fmt.Errorf("acquire resolve lock: %w", err)
	}
	defer resolve.Unlock()

	existing, err := st.findForPath(abs)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Debug().Str("sessionId", existing.ID).Str("audio", abs).Msg("resuming existing session")
		return existing, nil
	}

	s := New(abs, st.now())
	if err := st.Put(s); err != nil {
		return nil, err
	}
	log.Debug().Str("sessionId", s.ID).Str("audio", abs).Msg("created session")
	return s, nil
}

// findForPath returns the newest session claiming the audio path that is
// still entitled to it: any non-terminal session, or a terminal one while
// the file itself is absent.
func (st *SQLiteStore) findForPath(abs string) (*Session, error) {
	rows, err := st.db.Query(
		"SELECT record FROM sessions WHERE audio_path = ? ORDER BY id DESC",
		abs,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions for %s: %w", abs, err)
	}
	defer rows.Close()

	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		s, err := decodeSessionRecord(record)
		if err != nil {
			return nil, fmt.Errorf("decode session for %s: %w", abs, err)
		}
		if !s.Terminal() {
			return s, nil
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			return s, nil
		}
		return nil, nil
	}
	return nil, rows.Err()
}

// Get implements Store.
func (st *SQLiteStore) Get(sessionID string) (*Session, error) {
	var record []byte
	err := st.db.QueryRow(
		"SELECT record FROM sessions WHERE id = ?",
		sessionID,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	s, err := decodeSessionRecord(record)
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return s, nil
}

// Put implements Store. The session directory is created alongside the row
// so callers can always write into Dir(id) after a Put, as with FileStore.
func (st *SQLiteStore) Put(s *Session) error {
	s.LastUpdatedAt = st.now()

	if err := os.MkdirAll(st.Dir(s.ID), 0o755); err != nil {
		return fmt.Errorf("create session dir %s: %w", s.ID, err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}

	terminal := 0
	if s.Terminal() {
		terminal = 1
	}
	_, err = st.db.Exec(
		"INSERT OR REPLACE INTO sessions (id, audio_path, terminal, updated_at, record) VALUES (?, ?, ?, ?, ?)",
		s.ID, s.AudioSourcePath, terminal, s.LastUpdatedAt.Format(time.RFC3339Nano), data,
	)
	if err != nil {
		return fmt.Errorf("persist session %s: %w", s.ID, err)
	}
	return nil
}

// List implements Store. Broken records are skipped with a warning rather
// than failing the listing.
func (st *SQLiteStore) List() ([]*Session, error) {
	rows, err := st.db.Query("SELECT id, record FROM sessions ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var id string
		var record []byte
		if err := rows.Scan(&id, &record); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		s, err := decodeSessionRecord(record)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("skipping unreadable session record")
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// TryLock implements Store.
func (st *SQLiteStore) TryLock(sessionID string) (*Lock, error) {
	return lockSessionDir(st.Dir(sessionID), sessionID)
}

// WriteArtifact implements Store using write-new-then-rename so a stage is
// only ever marked done against a fully written artifact.
func (st *SQLiteStore) WriteArtifact(s *Session, name, content string) (string, error) {
	return writeArtifactFile(st.Dir(s.ID), s.ID, name, content)
}

// ReadArtifact implements Store.
func (st *SQLiteStore) ReadArtifact(s *Session, stage string) (string, error) {
	return readStageArtifact(s, stage)
}
