package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	conflictAttempts = 4
	conflictBase     = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// keyLocks serializes read-modify-write cycles per sub-record. Entries
	// live only while a commit holds or waits for them.
	locksMu  sync.Mutex
	keyLocks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, keyLocks: make(map[string]*keyLock)}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS session_sections (
		session_id TEXT NOT NULL,
		section TEXT NOT NULL,
		item_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, section, item_key)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		section TEXT NOT NULL,
		item_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, seq);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		agent_name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		summary TEXT NOT NULL,
		artifact_refs TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);

	CREATE TABLE IF NOT EXISTS file_contents (
		session_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (session_id, file_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Create inserts a new session row.
func (s *SQLiteStore) Create(ctx context.Context, session *domain.Session) error {
	if session.ID == "" {
		return fmt.Errorf("%w: empty session id", domain.ErrInvalidInput)
	}
	status := session.Status
	if status == "" {
		status = domain.StatusCreated
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	session.Status = status
	session.Version = 1

	query := `INSERT INTO sessions (session_id, status, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, session.ID, string(status), session.Version,
		session.CreatedAt.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Load assembles a snapshot from the session row and its sub-records inside
// one read transaction.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	session := &domain.Session{
		ID:    sessionID,
		Files: make(map[string]domain.UploadedFile),
		Ingestion: domain.IngestionState{
			Progress: make(map[string]domain.ChunkProgress),
		},
	}
	var status string
	var createdAt, updatedAt int64
	row := tx.QueryRowContext(ctx,
		`SELECT status, version, created_at, updated_at FROM sessions WHERE session_id = ?`, sessionID)
	if err := row.Scan(&status, &session.Version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	session.Status = domain.Status(status)
	if !session.Status.Valid() {
		return nil, domain.Corrupt("session %s has unknown status %q", sessionID, status)
	}
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.UpdatedAt = time.Unix(0, updatedAt).UTC()

	rows, err := tx.QueryContext(ctx,
		`SELECT section, item_key, payload FROM session_sections WHERE session_id = ? ORDER BY section, item_key`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close section rows", "error", closeErr)
		}
	}()
	for rows.Next() {
		var section, key, payload string
		if err := rows.Scan(&section, &key, &payload); err != nil {
			return nil, fmt.Errorf("scan section row: %w", err)
		}
		if err := decodeSection(session, Section(section), key, []byte(payload)); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}

	events, err := queryEvents(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Events = events
	return session, nil
}

func decodeSection(session *domain.Session, section Section, key string, payload []byte) error {
	var target any
	switch section {
	case SectionInputs:
		target = &session.Inputs
	case SectionEvidence:
		target = &session.Ingestion.EvidenceSet
	case SectionEstimation:
		target = &session.Estimation
	case SectionPlanning:
		target = &session.Planning
	case SectionArtifacts:
		target = &session.Artifacts
	case SectionFiles:
		var f domain.UploadedFile
		if err := json.Unmarshal(payload, &f); err != nil {
			return domain.Corrupt("decode file %s: %v", key, err)
		}
		session.Files[key] = f
		return nil
	case SectionProgress:
		var p domain.ChunkProgress
		if err := json.Unmarshal(payload, &p); err != nil {
			return domain.Corrupt("decode progress %s: %v", key, err)
		}
		session.Ingestion.Progress[key] = p
		return nil
	default:
		return domain.Corrupt("unknown section %q", section)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return domain.Corrupt("decode %s: %v", section, err)
	}
	return nil
}

func keyed(section Section) bool {
	return section == SectionFiles || section == SectionProgress
}

// lock takes the sub-record lock and returns its release. The last holder
// removes the entry.
func (s *SQLiteStore) lock(sessionID string, section Section, key string) func() {
	name := sessionID + "/" + string(section) + "/" + key
	s.locksMu.Lock()
	l, ok := s.keyLocks[name]
	if !ok {
		l = &keyLock{}
		s.keyLocks[name] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.keyLocks, name)
		}
		s.locksMu.Unlock()
	}
}

func (s *SQLiteStore) heldLocks() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.keyLocks)
}

// Commit applies m inside a write transaction. The version bump is the first
// statement so the write lock is taken before the sub-record is read.
func (s *SQLiteStore) Commit(ctx context.Context, sessionID string, m Mutation) (int64, error) {
	owner, ok := sectionOwners[m.Section]
	if !ok {
		return 0, fmt.Errorf("%w: unknown section %q", domain.ErrInvalidInput, m.Section)
	}
	if owner != m.Owner {
		return 0, fmt.Errorf("%w: %s cannot write %s", domain.ErrOwnership, m.Owner, m.Section)
	}
	if keyed(m.Section) != (m.Key != "") {
		return 0, fmt.Errorf("%w: bad key %q for section %s", domain.ErrInvalidInput, m.Key, m.Section)
	}
	if m.Apply == nil {
		return 0, fmt.Errorf("%w: mutation without apply", domain.ErrInvalidInput)
	}

	unlock := s.lock(sessionID, m.Section, m.Key)
	defer unlock()

	var version int64
	err := shared.RetryOnConflict(ctx, "commit", conflictAttempts, conflictBase, func() error {
		v, err := s.commitOnce(ctx, sessionID, m)
		version = v
		return err
	})
	return version, err
}

func (s *SQLiteStore) commitOnce(ctx context.Context, sessionID string, m Mutation) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixNano()
	var version int64
	err = tx.QueryRowContext(ctx,
		`UPDATE sessions SET version = version + 1, updated_at = ? WHERE session_id = ? RETURNING version`,
		now, sessionID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", domain.ErrNotFound, sessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}

	var current []byte
	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM session_sections WHERE session_id = ? AND section = ? AND item_key = ?`,
		sessionID, string(m.Section), m.Key).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("read %s: %w", m.Section, err)
	default:
		current = []byte(payload)
	}

	next, err := m.Apply(current)
	if errors.Is(err, ErrNoChange) {
		return version - 1, nil
	}
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_sections (session_id, section, item_key, payload, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, section, item_key) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		sessionID, string(m.Section), m.Key, string(next), version, now)
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", m.Section, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, owner, section, item_key, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, string(m.Owner), string(m.Section), m.Key, string(next), now)
	if err != nil {
		return 0, fmt.Errorf("write checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s: %w", m.Section, err)
	}
	return version, nil
}

// Status returns the stored status of a session.
func (s *SQLiteStore) Status(ctx context.Context, sessionID string) (domain.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE session_id = ?`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", domain.ErrNotFound, sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return domain.Status(status), nil
}

// UpdateStatus performs a compare-and-set of the coarse status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, sessionID string, expected, next domain.Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, next)
	}
	return shared.RetryOnConflict(ctx, "update_status", conflictAttempts, conflictBase, func() error {
		return s.updateStatusOnce(ctx, sessionID, expected, next)
	})
}

func (s *SQLiteStore) updateStatusOnce(ctx context.Context, sessionID string, expected, next domain.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixNano()
	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, version = version + 1, updated_at = ? WHERE session_id = ? AND status = ?`,
		string(next), now, sessionID, string(expected))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE session_id = ?`, sessionID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, sessionID)
		}
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		slog.Warn("UpdateStatus affected 0 rows", "session_id", sessionID, "expected", expected, "current", current)
		return fmt.Errorf("%w: expected %s, found %s", domain.ErrStatusConflict, expected, current)
	}

	payload, _ := json.Marshal(map[string]domain.Status{"from": expected, "to": next})
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, owner, section, item_key, payload, created_at)
		VALUES (?, ?, 'status', '', ?, ?)`,
		sessionID, string(OwnerLifecycle), string(payload), now)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status: %w", err)
	}
	return nil
}

// PutFileContent stores the extracted text for a file.
func (s *SQLiteStore) PutFileContent(ctx context.Context, sessionID, fileID, content string) error {
	query := `
	INSERT INTO file_contents (session_id, file_id, content) VALUES (?, ?, ?)
	ON CONFLICT(session_id, file_id) DO UPDATE SET content = excluded.content`
	return shared.RetryOnConflict(ctx, "put_file_content", conflictAttempts, conflictBase, func() error {
		if _, err := s.db.ExecContext(ctx, query, sessionID, fileID, content); err != nil {
			return fmt.Errorf("put file content: %w", err)
		}
		return nil
	})
}

// FileContent returns the stored text for a file.
func (s *SQLiteStore) FileContent(ctx context.Context, sessionID, fileID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM file_contents WHERE session_id = ? AND file_id = ?`, sessionID, fileID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no content for file %s", domain.ErrNotFound, fileID)
	}
	if err != nil {
		return "", fmt.Errorf("read file content: %w", err)
	}
	return content, nil
}

// AppendEvent appends a trace event to an existing session.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ArtifactRefs == nil {
		ev.ArtifactRefs = []string{}
	}
	refs, err := json.Marshal(ev.ArtifactRefs)
	if err != nil {
		return ev, fmt.Errorf("encode artifact refs: %w", err)
	}
	err = shared.RetryOnConflict(ctx, "append_event", conflictAttempts, conflictBase, func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO events (session_id, ts, agent_name, event_type, summary, artifact_refs)
			SELECT ?, ?, ?, ?, ?, ?
			WHERE EXISTS (SELECT 1 FROM sessions WHERE session_id = ?)`,
			ev.SessionID, ev.Timestamp.UnixNano(), ev.AgentName, string(ev.EventType), ev.Summary, string(refs),
			ev.SessionID)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, ev.SessionID)
		}
		ev.Seq, err = result.LastInsertId()
		return err
	})
	return ev, err
}

// Events returns the full trace of a session.
func (s *SQLiteStore) Events(ctx context.Context, sessionID string) ([]domain.Event, error) {
	return queryEvents(ctx, s.db, sessionID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEvents(ctx context.Context, q queryer, sessionID string) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, ts, agent_name, event_type, summary, artifact_refs
		FROM events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var ts int64
		var eventType, refs string
		if err := rows.Scan(&ev.Seq, &ts, &ev.AgentName, &eventType, &ev.Summary, &refs); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.SessionID = sessionID
		ev.Timestamp = time.Unix(0, ts).UTC()
		ev.EventType = domain.EventType(eventType)
		if err := json.Unmarshal([]byte(refs), &ev.ArtifactRefs); err != nil {
			return nil, domain.Corrupt("decode artifact refs of event %d: %v", ev.Seq, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Checkpoints lists recorded commits, newest first. limit <= 0 returns all.
func (s *SQLiteStore) Checkpoints(ctx context.Context, sessionID string, limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, owner, section, item_key, payload, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close checkpoint rows", "error", closeErr)
		}
	}()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var owner, payload string
		var createdAt int64
		if err := rows.Scan(&cp.Seq, &owner, &cp.Section, &cp.Key, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		cp.SessionID = sessionID
		cp.Owner = Owner(owner)
		cp.Payload = json.RawMessage(payload)
		cp.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// ExpiredSessions returns ids of sessions idle for longer than ttl.
func (s *SQLiteStore) ExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).UTC().UnixNano()
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions WHERE updated_at < ? ORDER BY updated_at`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return ids, nil
}

// Delete removes a session and its sub-records, checkpoints, events and
// file contents.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	return shared.RetryOnConflict(ctx, "delete_session", conflictAttempts, conflictBase, func() error {
		return s.deleteOnce(ctx, sessionID)
	})
}

func (s *SQLiteStore) deleteOnce(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, sessionID)
	}
	for _, table := range []string{"session_sections", "checkpoints", "events", "file_contents"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}
