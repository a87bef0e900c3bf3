// Package sessionstore implements the session registry: a SQLite-backed,
// WAL-mode store of agent completion reports addressable by server-scoped
// ordinal or by token.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/domain"
)

var identifierPattern = regexp.MustCompile(`^[a-z0-9]+:\d+$`)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const sessionTTL = 24 * time.Hour

// Store is the session registry, backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) the session registry database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session store directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_cache_size=-2000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping session store: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize session store schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA wal_autocheckpoint = 1000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		server_number INTEGER NOT NULL,
		token TEXT NOT NULL,
		project TEXT NOT NULL,
		tmux_session TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		metadata_json TEXT NOT NULL,
		UNIQUE(server_id, server_number),
		UNIQUE(token)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_server_id ON sessions(server_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := s.db.Exec(query)
	return err
}

// Checkpoint forces a WAL checkpoint without closing the database, for use
// by a periodic maintenance loop that wants to bound WAL file growth during
// normal operation. Close performs its own truncating checkpoint on exit, so
// callers do not need to invoke Checkpoint beforehand.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`)
	if err != nil {
		return fmt.Errorf("checkpoint session store: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the underlying database.
func (s *Store) Close() error {
	_, _ = s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return s.db.Close()
}

type metadataRow struct {
	UserQuestion      string         `json:"userQuestion,omitempty"`
	ClaudeResponse    string         `json:"claudeResponse,omitempty"`
	TranscriptExcerpt string         `json:"transcriptExcerpt,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

func encodeMetadata(m domain.Metadata) (string, error) {
	row := metadataRow{
		UserQuestion:      m.UserQuestion,
		ClaudeResponse:    m.ClaudeResponse,
		TranscriptExcerpt: m.TranscriptExcerpt,
		Extra:             m.Extra,
	}
	b, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(raw, tmuxSession string) (domain.Metadata, error) {
	var row metadataRow
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return domain.Metadata{}, err
		}
	}
	return domain.Metadata{
		UserQuestion:      row.UserQuestion,
		ClaudeResponse:    row.ClaudeResponse,
		TmuxSession:       tmuxSession,
		TranscriptExcerpt: row.TranscriptExcerpt,
		Extra:             row.Extra,
	}, nil
}

func generateToken(r randSource) string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = tokenAlphabet[r.Intn(len(tokenAlphabet))]
	}
	return string(b)
}

// randSource is the minimal interface Store needs for token generation,
// letting tests inject a deterministic source.
type randSource interface {
	Intn(n int) int
}

// CreateParams describes a completion report to register or refresh.
type CreateParams struct {
	ServerID string
	Project  string
	Metadata domain.Metadata
}

// CreateSession implements the upsert-by-(serverId,tmuxSession) semantics:
// an active session for the same tmux target is refreshed in place rather
// than duplicated.
func (s *Store) CreateSession(ctx context.Context, p CreateParams, rnd randSource) (*domain.Session, error) {
	now := time.Now()
	tmuxSession := p.Metadata.TmuxSession

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create session tx: %w", err)
	}
	defer tx.Rollback()

	var existing domain.Session
	var metadataJSON string
	row := tx.QueryRowContext(ctx, `
		SELECT id, server_number, token, created_at
		FROM sessions
		WHERE server_id = ? AND tmux_session = ? AND status = ? AND expires_at > ?`,
		p.ServerID, tmuxSession, domain.SessionActive, now.Unix())

	var createdAtUnix, expiresAtUnix int64
	scanErr := row.Scan(&existing.ID, &existing.ServerNumber, &existing.Token, &createdAtUnix)
	if scanErr == nil {
		expiresAtUnix = now.Add(sessionTTL).Unix()
		metadataJSON, err = encodeMetadata(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET project = ?, metadata_json = ?, expires_at = ?
			WHERE id = ?`, p.Project, metadataJSON, expiresAtUnix, existing.ID); err != nil {
			return nil, fmt.Errorf("refresh session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit refresh session: %w", err)
		}

		existing.ServerID = p.ServerID
		existing.Project = p.Project
		existing.TmuxSession = tmuxSession
		existing.CreatedAt = time.Unix(createdAtUnix, 0)
		existing.ExpiresAt = time.Unix(expiresAtUnix, 0)
		existing.Status = domain.SessionActive
		existing.Metadata = p.Metadata
		return &existing, nil
	}
	if scanErr != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup existing session: %w", scanErr)
	}

	var maxNumber sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(server_number) FROM sessions WHERE server_id = ?`, p.ServerID,
	).Scan(&maxNumber); err != nil {
		return nil, fmt.Errorf("allocate server number: %w", err)
	}
	serverNumber := int(maxNumber.Int64) + 1

	id := uuid.NewString()
	token := generateToken(rnd)
	expiresAtUnix = now.Add(sessionTTL).Unix()
	metadataJSON, err = encodeMetadata(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions
		(id, server_id, server_number, token, project, tmux_session, status, created_at, expires_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.ServerID, serverNumber, token, p.Project, tmuxSession,
		domain.SessionActive, now.Unix(), expiresAtUnix, metadataJSON,
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert session: %w", err)
	}

	return &domain.Session{
		ID:           id,
		ServerID:     p.ServerID,
		ServerNumber: serverNumber,
		Token:        token,
		Project:      p.Project,
		TmuxSession:  tmuxSession,
		CreatedAt:    now,
		ExpiresAt:    time.Unix(expiresAtUnix, 0),
		Status:       domain.SessionActive,
		Metadata:     p.Metadata,
	}, nil
}

// FindSession resolves identifier, either the "serverId:serverNumber" form
// or a bare token, to an active, unexpired session. Before the lookup it
// opportunistically sweeps expired rows, per spec (treated as a
// belt-and-braces complement to the recovery manager's periodic sweep,
// not the sole cleanup mechanism).
func (s *Store) FindSession(ctx context.Context, identifier string) (*domain.Session, error) {
	if _, err := s.sweepExpiredLocked(ctx); err != nil {
		return nil, fmt.Errorf("sweep expired sessions: %w", err)
	}

	now := time.Now().Unix()
	var row *sql.Row
	if identifierPattern.MatchString(identifier) {
		parts := strings.SplitN(identifier, ":", 2)
		serverID := parts[0]
		serverNumber, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("parse server number: %w", err)
		}
		row = s.db.QueryRowContext(ctx, sessionSelectColumns+`
			FROM sessions WHERE server_id = ? AND server_number = ? AND status = ? AND expires_at > ?`,
			serverID, serverNumber, domain.SessionActive, now)
	} else {
		row = s.db.QueryRowContext(ctx, sessionSelectColumns+`
			FROM sessions WHERE token = ? AND status = ? AND expires_at > ?`,
			identifier, domain.SessionActive, now)
	}

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return sess, nil
}

const sessionSelectColumns = `
	SELECT id, server_id, server_number, token, project, tmux_session,
	       status, created_at, expires_at, metadata_json `

func scanSession(row *sql.Row) (*domain.Session, error) {
	var sess domain.Session
	var createdAt, expiresAt int64
	var metadataJSON string
	err := row.Scan(
		&sess.ID, &sess.ServerID, &sess.ServerNumber, &sess.Token, &sess.Project,
		&sess.TmuxSession, &sess.Status, &createdAt, &expiresAt, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	meta, err := decodeMetadata(metadataJSON, sess.TmuxSession)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	sess.Metadata = meta
	return &sess, nil
}

func scanSessionRows(rows *sql.Rows) ([]*domain.Session, error) {
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		var sess domain.Session
		var createdAt, expiresAt int64
		var metadataJSON string
		if err := rows.Scan(
			&sess.ID, &sess.ServerID, &sess.ServerNumber, &sess.Token, &sess.Project,
			&sess.TmuxSession, &sess.Status, &createdAt, &expiresAt, &metadataJSON,
		); err != nil {
			return nil, err
		}
		sess.CreatedAt = time.Unix(createdAt, 0)
		sess.ExpiresAt = time.Unix(expiresAt, 0)
		meta, err := decodeMetadata(metadataJSON, sess.TmuxSession)
		if err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		sess.Metadata = meta
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// GetServerSessions returns all active sessions for serverID, newest
// serverNumber first.
func (s *Store) GetServerSessions(ctx context.Context, serverID string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelectColumns+`
		FROM sessions WHERE server_id = ? AND status = ? AND expires_at > ?
		ORDER BY server_number DESC`,
		serverID, domain.SessionActive, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("get server sessions: %w", err)
	}
	return scanSessionRows(rows)
}

// GetAllSessions returns all active sessions, newest createdAt first.
func (s *Store) GetAllSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelectColumns+`
		FROM sessions WHERE status = ? AND expires_at > ?
		ORDER BY created_at DESC`,
		domain.SessionActive, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("get all sessions: %w", err)
	}
	return scanSessionRows(rows)
}

// sweepExpiredLocked marks rows whose expiry has passed as expired,
// returning the number of rows swept.
func (s *Store) sweepExpiredLocked(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ? WHERE status = ? AND expires_at <= ?`,
		domain.SessionExpired, domain.SessionActive, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SweepExpired is the public entry point used by the recovery manager's
// periodic sweep.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	return s.sweepExpiredLocked(ctx)
}

// GetExpiredSessions returns sessions whose status is still active but
// whose expiry has already passed, for recovery-manager detection.
func (s *Store) GetExpiredSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelectColumns+`
		FROM sessions WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at ASC`,
		domain.SessionActive, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("get expired sessions: %w", err)
	}
	return scanSessionRows(rows)
}
