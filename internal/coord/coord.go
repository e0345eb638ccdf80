// Package coord implements the coordination store: the single source of
// truth for which worker owns which extraction or consolidation work.
// All claim and lock races are resolved by atomic conditional writes in
// SQLite, never by read-then-write in the application, so correctness
// holds across independent process instances sharing one database file.
package coord

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/session-memory/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id       TEXT PRIMARY KEY,
	project          TEXT NOT NULL,
	path             TEXT NOT NULL,
	file_modified_at INTEGER NOT NULL,
	file_size_bytes  INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	locked_by        TEXT,
	locked_at        INTEGER,
	error_message    TEXT,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, file_modified_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project, status);

CREATE TABLE IF NOT EXISTS extraction_outputs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL UNIQUE REFERENCES sessions(session_id) ON DELETE CASCADE,
	project       TEXT NOT NULL,
	raw_memory    TEXT NOT NULL,
	summary       TEXT NOT NULL,
	slug          TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	generated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outputs_project ON extraction_outputs(project, id);

CREATE TABLE IF NOT EXISTS consolidation_runs (
	id            TEXT PRIMARY KEY,
	scope         TEXT NOT NULL,
	status        TEXT NOT NULL,
	output_count  INTEGER NOT NULL DEFAULT 0,
	watermark     INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	started_at    INTEGER NOT NULL,
	completed_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_scope ON consolidation_runs(scope, started_at DESC);

CREATE TABLE IF NOT EXISTS consolidation_locks (
	scope     TEXT PRIMARY KEY,
	locked_by TEXT NOT NULL,
	locked_at INTEGER NOT NULL
);
`

// Store is the SQLite-backed coordination store.
type Store struct {
	db      *sql.DB
	entropy *rand.Rand
}

// New opens or creates the coordination database at dbPath.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// --- Sessions ---

// RegisterSession upserts a session by ID. Re-registering updates only
// the file metadata, never status, lock fields, or error message, so
// re-discovering an already-processed file is a no-op on state.
func (s *Store) RegisterSession(ctx context.Context, sf model.Session) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, project, path, file_modified_at, file_size_bytes, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   path = excluded.path,
		   file_modified_at = excluded.file_modified_at,
		   file_size_bytes = excluded.file_size_bytes,
		   updated_at = excluded.updated_at`,
		sf.ID, sf.Project, sf.Path, sf.FileModifiedAt, sf.FileSizeBytes, now, now)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// ClaimSession attempts to take exclusive ownership of a pending session.
// The claim succeeds iff the session is pending AND either unlocked or
// its lock is older than staleAfter — evaluated in a single conditional
// UPDATE so two workers can never both win.
func (s *Store) ClaimSession(ctx context.Context, sessionID, holder string, staleAfter time.Duration) (bool, error) {
	now := time.Now().Unix()
	cutoff := now - int64(staleAfter.Seconds())
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET locked_by = ?, locked_at = ?, updated_at = ?
		 WHERE session_id = ? AND status = 'pending'
		   AND (locked_by IS NULL OR locked_at < ?)`,
		holder, now, now, sessionID, cutoff)
	if err != nil {
		return false, fmt.Errorf("claim session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseSession clears the lock and records the terminal status. The
// caller is assumed to hold the claim; the write is unconditional.
func (s *Store) ReleaseSession(ctx context.Context, sessionID string, status model.Status, errMsg string) error {
	now := time.Now().Unix()
	var msg any
	if errMsg != "" {
		msg = errMsg
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET locked_by = NULL, locked_at = NULL, status = ?,
		   error_message = ?, updated_at = ? WHERE session_id = ?`,
		string(status), msg, now, sessionID)
	if err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

// GetSession returns one session by ID, or nil if unknown.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		sessionSelect+` WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// RecentSessions lists sessions newest-updated first, optionally
// filtered to one status.
func (s *Store) RecentSessions(ctx context.Context, status model.Status, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := sessionSelect
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// PendingSessions returns up to limit pending sessions, most recently
// modified transcript first, so fresh work is extracted ahead of
// backlog.
func (s *Store) PendingSessions(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		sessionSelect+` WHERE status = 'pending' ORDER BY file_modified_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// RequeueFailed resets up to limit failed sessions (optionally scoped to
// one project) back to pending with cleared lock and error fields, and
// returns the affected rows so the caller can append them to its work
// list.
func (s *Store) RequeueFailed(ctx context.Context, project string, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := sessionSelect + ` WHERE status = 'failed'`
	args := []any{}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed sessions: %w", err)
	}
	failed, err := collectSessions(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	for i := range failed {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = 'pending', error_message = NULL,
			   locked_by = NULL, locked_at = NULL, updated_at = ? WHERE session_id = ?`,
			now, failed[i].ID)
		if err != nil {
			return nil, fmt.Errorf("requeue session %s: %w", failed[i].ID, err)
		}
		failed[i].Status = model.StatusPending
		failed[i].ErrorMessage = ""
	}
	return failed, nil
}

// StatusCounts returns session counts grouped by project and status,
// optionally filtered to one project.
func (s *Store) StatusCounts(ctx context.Context, project string) (map[string]map[model.Status]int, error) {
	query := `SELECT project, status, COUNT(*) FROM sessions`
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` GROUP BY project, status ORDER BY project`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[model.Status]int)
	for rows.Next() {
		var proj, status string
		var n int
		if err := rows.Scan(&proj, &status, &n); err != nil {
			return nil, err
		}
		if counts[proj] == nil {
			counts[proj] = make(map[model.Status]int)
		}
		counts[proj][model.Status(status)] = n
	}
	return counts, rows.Err()
}

// --- Extraction outputs ---

// StoreOutput records the structured result of a successful extraction.
// The session_id uniqueness constraint enforces at most one output per
// session.
func (s *Store) StoreOutput(ctx context.Context, out model.ExtractionOutput) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_outputs
		   (session_id, project, raw_memory, summary, slug, outcome, input_tokens, output_tokens, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.SessionID, out.Project, out.RawMemory, out.Summary, out.Slug, out.Outcome,
		out.InputTokens, out.OutputTokens, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store output: %w", err)
	}
	return nil
}

// OutputsSince returns a project's extraction outputs with row ID
// strictly greater than afterRowID, oldest first, capped at limit. The
// caller derives the next watermark from this same result set.
func (s *Store) OutputsSince(ctx context.Context, project string, afterRowID int64, limit int) ([]model.ExtractionOutput, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, project, raw_memory, summary, slug, outcome,
		        input_tokens, output_tokens, generated_at
		 FROM extraction_outputs
		 WHERE project = ? AND id > ?
		 ORDER BY id ASC LIMIT ?`,
		project, afterRowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	var outputs []model.ExtractionOutput
	for rows.Next() {
		var o model.ExtractionOutput
		var generatedAt int64
		if err := rows.Scan(&o.RowID, &o.SessionID, &o.Project, &o.RawMemory, &o.Summary,
			&o.Slug, &o.Outcome, &o.InputTokens, &o.OutputTokens, &generatedAt); err != nil {
			return nil, err
		}
		o.GeneratedAt = time.Unix(generatedAt, 0)
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

// ProjectsWithOutputs returns the distinct projects that have at least
// one extraction output.
func (s *Store) ProjectsWithOutputs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT project FROM extraction_outputs ORDER BY project`)
	if err != nil {
		return nil, fmt.Errorf("list output projects: %w", err)
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// --- Consolidation locks ---

// AcquireLock takes the per-scope consolidation lock. It first attempts
// a plain insert; if the scope is already locked it attempts to steal
// the lock, succeeding only when the existing acquisition is older than
// staleAfter. Both paths are single atomic statements.
func (s *Store) AcquireLock(ctx context.Context, scope, holder string, staleAfter time.Duration) (bool, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO consolidation_locks (scope, locked_by, locked_at) VALUES (?, ?, ?)`,
		scope, holder, now)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n > 0 {
		return true, nil
	}

	cutoff := now - int64(staleAfter.Seconds())
	res, err = s.db.ExecContext(ctx,
		`UPDATE consolidation_locks SET locked_by = ?, locked_at = ? WHERE scope = ? AND locked_at < ?`,
		holder, now, scope, cutoff)
	if err != nil {
		return false, fmt.Errorf("steal lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLock drops the scope lock unconditionally.
func (s *Store) ReleaseLock(ctx context.Context, scope string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM consolidation_locks WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// --- Consolidation runs ---

// RecordRun appends an immutable consolidation audit record and returns
// its ID.
func (s *Store) RecordRun(ctx context.Context, run model.ConsolidationRun) (string, error) {
	id := s.newRunID()
	now := time.Now().Unix()
	var msg any
	if run.ErrorMessage != "" {
		msg = run.ErrorMessage
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consolidation_runs
		   (id, scope, status, output_count, watermark, input_tokens, output_tokens, error_message, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, run.Scope, string(run.Status), run.OutputCount, run.Watermark,
		run.InputTokens, run.OutputTokens, msg, now, now)
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return id, nil
}

// LastWatermark returns the highest watermark among completed runs for a
// scope. The second return is false when the scope has no completed run.
func (s *Store) LastWatermark(ctx context.Context, scope string) (int64, bool, error) {
	var wm sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(watermark) FROM consolidation_runs WHERE scope = ? AND status = 'completed'`,
		scope).Scan(&wm)
	if err != nil {
		return 0, false, fmt.Errorf("last watermark: %w", err)
	}
	if !wm.Valid {
		return 0, false, nil
	}
	return wm.Int64, true, nil
}

// RecentRuns lists consolidation runs for a scope, newest first. An
// empty scope lists all runs.
func (s *Store) RecentRuns(ctx context.Context, scope string, limit int) ([]model.ConsolidationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, scope, status, output_count, watermark, input_tokens, output_tokens,
	                 error_message, started_at, completed_at
	          FROM consolidation_runs`
	args := []any{}
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ConsolidationRun
	for rows.Next() {
		var r model.ConsolidationRun
		var errMsg sql.NullString
		var started, completed int64
		if err := rows.Scan(&r.ID, &r.Scope, (*string)(&r.Status), &r.OutputCount, &r.Watermark,
			&r.InputTokens, &r.OutputTokens, &errMsg, &started, &completed); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			r.ErrorMessage = errMsg.String
		}
		r.StartedAt = time.Unix(started, 0)
		r.CompletedAt = time.Unix(completed, 0)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Reset ---

// ResetProject deletes a project's extraction outputs and returns its
// sessions to pending so they can be re-extracted.
func (s *Store) ResetProject(ctx context.Context, project string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM extraction_outputs WHERE project = ?`, project); err != nil {
		return fmt.Errorf("reset outputs: %w", err)
	}
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'pending', locked_by = NULL, locked_at = NULL,
		   error_message = NULL, updated_at = ? WHERE project = ?`,
		now, project); err != nil {
		return fmt.Errorf("reset sessions: %w", err)
	}
	return nil
}

// ResetAll clears all extraction outputs, consolidation history, and
// locks, and returns every session to pending.
func (s *Store) ResetAll(ctx context.Context) error {
	stmts := []string{
		`DELETE FROM extraction_outputs`,
		`DELETE FROM consolidation_runs`,
		`DELETE FROM consolidation_locks`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'pending', locked_by = NULL, locked_at = NULL,
		   error_message = NULL, updated_at = ?`, now); err != nil {
		return fmt.Errorf("reset sessions: %w", err)
	}
	return nil
}

// --- Scan helpers ---

const sessionSelect = `SELECT session_id, project, path, file_modified_at, file_size_bytes,
	status, locked_by, locked_at, error_message, created_at, updated_at FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (model.Session, error) {
	var sess model.Session
	var lockedBy, errMsg sql.NullString
	var lockedAt sql.NullInt64
	var created, updated int64
	var status string

	err := row.Scan(&sess.ID, &sess.Project, &sess.Path, &sess.FileModifiedAt,
		&sess.FileSizeBytes, &status, &lockedBy, &lockedAt, &errMsg, &created, &updated)
	if err != nil {
		return sess, err
	}
	sess.Status = model.Status(status)
	if lockedBy.Valid {
		sess.LockedBy = lockedBy.String
	}
	if lockedAt.Valid {
		sess.LockedAt = lockedAt.Int64
	}
	if errMsg.Valid {
		sess.ErrorMessage = errMsg.String
	}
	sess.CreatedAt = time.Unix(created, 0)
	sess.UpdatedAt = time.Unix(updated, 0)
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]model.Session, error) {
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
