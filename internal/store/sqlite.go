package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/codefleet/overseer/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent requests.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

// UpsertSession applies a host report. Textual fields follow
// last-non-null-wins (empty incoming values leave the stored value alone),
// status is always overwritten, and idled_at is never touched by a report.
// Archived sessions never resurface: the update is a no-op for them.
func (s *SQLiteStore) UpsertSession(ctx context.Context, incoming *models.Session) (*models.Session, error) {
	if incoming.ID == "" {
		incoming.ID = newULID()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, host_id, provider, title, cwd, git_branch, status, last_response, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host_id      = excluded.host_id,
			provider     = CASE WHEN excluded.provider   = '' THEN provider   ELSE excluded.provider   END,
			title        = CASE WHEN excluded.title      = '' THEN title      ELSE excluded.title      END,
			cwd          = CASE WHEN excluded.cwd        = '' THEN cwd        ELSE excluded.cwd        END,
			git_branch   = CASE WHEN excluded.git_branch = '' THEN git_branch ELSE excluded.git_branch END,
			status       = excluded.status,
			last_seen_at = excluded.last_seen_at,
			updated_at   = excluded.updated_at
		WHERE archived_at IS NULL`,
		incoming.ID, incoming.HostID, incoming.Provider, incoming.Title, incoming.CWD,
		incoming.GitBranch, string(incoming.Status), now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}
	return s.GetSession(ctx, incoming.ID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error) {
	query := sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if !filter.IncludeArchived {
		query += " AND archived_at IS NULL"
	}
	if filter.HostID != "" {
		query += " AND host_id = ?"
		args = append(args, filter.HostID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// IdleSession records an operator-initiated idle. Host reports never touch
// idled_at, so a status flap cannot revive a deliberately silenced session.
func (s *SQLiteStore) IdleSession(ctx context.Context, id string, at time.Time) (*models.Session, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET idled_at = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("idle session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) UnidleSession(ctx context.Context, id string) (*models.Session, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET idled_at = NULL, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("unidle session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) ArchiveSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET archived_at = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// ArchiveStaleSessions archives every live session on the host that has not
// been mentioned in a report since the cutoff. Returns the archived ids.
func (s *SQLiteStore) ArchiveStaleSessions(ctx context.Context, hostID string, lastSeenBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE host_id = ? AND archived_at IS NULL AND last_seen_at < ?`,
		hostID, lastSeenBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("find stale sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET archived_at = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
			now, now, id); err != nil {
			return nil, fmt.Errorf("archive stale session %s: %w", id, err)
		}
	}
	return ids, nil
}

func (s *SQLiteStore) SetSessionResponse(ctx context.Context, id, response string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_response = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		response, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set session response: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

const sessionColumns = `SELECT id, host_id, provider, title, cwd, git_branch, status, last_response, idled_at, archived_at, last_seen_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var status string
	var idledAt, archivedAt sql.NullTime

	err := row.Scan(&sess.ID, &sess.HostID, &sess.Provider, &sess.Title, &sess.CWD,
		&sess.GitBranch, &status, &sess.LastResponse, &idledAt, &archivedAt,
		&sess.LastSeenAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}

	sess.Status = models.SessionStatus(status)
	if idledAt.Valid {
		sess.IdledAt = &idledAt.Time
	}
	if archivedAt.Valid {
		sess.ArchivedAt = &archivedAt.Time
	}
	return sess, nil
}

// --- Snapshots ---

// UpsertSnapshot stores the latest capture for a session. A capture whose
// hash matches the stored snapshot is a no-op returning the existing row;
// otherwise older snapshots for the session are dropped so only the newest
// is retained for detection.
func (s *SQLiteStore) UpsertSnapshot(ctx context.Context, sessionID, captureText string) (*models.SessionSnapshot, bool, error) {
	hash := models.HashCapture(captureText)

	existing, err := s.snapshotByHash(ctx, sessionID, hash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap := &models.SessionSnapshot{
		ID:          newULID(),
		SessionID:   sessionID,
		CaptureText: captureText,
		CaptureHash: hash,
		CapturedAt:  time.Now().UTC(),
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE session_id = ?`, sessionID); err != nil {
		return nil, false, fmt.Errorf("drop old snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, session_id, capture_text, capture_hash, captured_at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.SessionID, snap.CaptureText, snap.CaptureHash, snap.CapturedAt); err != nil {
		return nil, false, fmt.Errorf("insert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}
	return snap, true, nil
}

func (s *SQLiteStore) snapshotByHash(ctx context.Context, sessionID, hash string) (*models.SessionSnapshot, error) {
	snap := &models.SessionSnapshot{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, capture_text, capture_hash, captured_at
		FROM snapshots WHERE session_id = ? AND capture_hash = ?`,
		sessionID, hash,
	).Scan(&snap.ID, &snap.SessionID, &snap.CaptureText, &snap.CaptureHash, &snap.CapturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot by hash: %w", err)
	}
	return snap, nil
}

// LatestSnapshot returns the newest snapshot for a session, or (nil, nil).
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	snap := &models.SessionSnapshot{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, capture_text, capture_hash, captured_at
		FROM snapshots WHERE session_id = ? ORDER BY captured_at DESC LIMIT 1`,
		sessionID,
	).Scan(&snap.ID, &snap.SessionID, &snap.CaptureText, &snap.CaptureHash, &snap.CapturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

// --- Approvals ---

// CreateApproval times out every other live approval for the session and
// inserts the new row, both inside one transaction. That ordering keeps the
// single-live-approval invariant exact: a decision can never land on a
// request the agent has already replaced.
func (s *SQLiteStore) CreateApproval(ctx context.Context, a *models.Approval) (*models.Approval, []string, bool, error) {
	if a.ID == "" {
		a.ID = newULID()
	} else {
		existing, err := s.getApproval(ctx, a.ID)
		if err != nil {
			return nil, nil, false, err
		}
		if existing != nil {
			return existing, nil, false, nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM approvals WHERE session_id = ? AND decision IS NULL AND timed_out_at IS NULL`,
		a.SessionID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("find live approvals: %w", err)
	}
	var superseded []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, nil, false, fmt.Errorf("scan live approval: %w", err)
		}
		superseded = append(superseded, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, nil, false, err
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx,
		`UPDATE approvals SET timed_out_at = ?
		WHERE session_id = ? AND decision IS NULL AND timed_out_at IS NULL`,
		now, a.SessionID); err != nil {
		return nil, nil, false, fmt.Errorf("supersede live approvals: %w", err)
	}

	a.RequestedAt = now
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO approvals (id, session_id, provider, requested_payload, requested_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Provider, a.RequestedPayload, a.RequestedAt); err != nil {
		return nil, nil, false, fmt.Errorf("insert approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, false, fmt.Errorf("commit tx: %w", err)
	}
	return a, superseded, true, nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	a, err := s.getApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("approval not found: %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) getApproval(ctx context.Context, id string) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

// DecideApproval is a compare-and-swap: it succeeds only while the row is
// still live. Returns (nil, nil) when the approval was already decided or
// timed out, which callers must treat as a benign race.
func (s *SQLiteStore) DecideApproval(ctx context.Context, id string, decision models.Decision, payload, actor string) (*models.Approval, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET decision = ?, decided_payload = ?, decided_by = ?, decided_at = ?
		WHERE id = ? AND decision IS NULL AND timed_out_at IS NULL`,
		string(decision), payload, actor, now, id)
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		existing, err := s.getApproval(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("approval not found: %s", id)
		}
		return nil, nil
	}
	return s.GetApproval(ctx, id)
}

// TimeOutApproval marks a live approval timed out, with the same CAS
// discipline as DecideApproval.
func (s *SQLiteStore) TimeOutApproval(ctx context.Context, id string) (*models.Approval, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET timed_out_at = ?
		WHERE id = ? AND decision IS NULL AND timed_out_at IS NULL`,
		now, id)
	if err != nil {
		return nil, fmt.Errorf("time out approval: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		existing, err := s.getApproval(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("approval not found: %s", id)
		}
		return nil, nil
	}
	return s.GetApproval(ctx, id)
}

// PendingApproval returns the single live approval for a session, or
// (nil, nil) when there is none.
func (s *SQLiteStore) PendingApproval(ctx context.Context, sessionID string) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		approvalColumns+` FROM approvals
		WHERE session_id = ? AND decision IS NULL AND timed_out_at IS NULL
		ORDER BY requested_at DESC LIMIT 1`, sessionID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending approval: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, filter ApprovalListFilter) ([]*models.Approval, error) {
	query := approvalColumns + ` FROM approvals WHERE 1=1`
	var args []any

	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.LiveOnly {
		query += " AND decision IS NULL AND timed_out_at IS NULL"
	}
	query += " ORDER BY requested_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var approvals []*models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

const approvalColumns = `SELECT id, session_id, provider, requested_payload, decision, decided_payload, decided_by, requested_at, decided_at, timed_out_at`

func scanApproval(row rowScanner) (*models.Approval, error) {
	a := &models.Approval{}
	var decision sql.NullString
	var decidedAt, timedOutAt sql.NullTime

	err := row.Scan(&a.ID, &a.SessionID, &a.Provider, &a.RequestedPayload,
		&decision, &a.DecidedPayload, &a.DecidedBy, &a.RequestedAt, &decidedAt, &timedOutAt)
	if err != nil {
		return nil, err
	}

	if decision.Valid {
		a.Decision = models.Decision(decision.String)
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	if timedOutAt.Valid {
		a.TimedOutAt = &timedOutAt.Time
	}
	return a, nil
}
