// Package dlq implements the dead-letter queue: a SQLite-backed store of
// failed operations with escalating scheduled retry and terminal archival.
package dlq

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/domain"
)

// RetryIntervals are the escalating backoff steps (spec §4.3), indexed by
// min(attemptCount, len-1).
var RetryIntervals = []time.Duration{
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
	480 * time.Second,
	960 * time.Second,
}

// Store is the dead-letter queue, backed by a single SQLite file.
type Store struct {
	db          *sql.DB
	maxAttempts int
}

// Open creates (or attaches to) the DLQ database at dbPath.
func Open(dbPath string, maxAttempts int) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dlq directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_cache_size=-2000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open dlq store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping dlq store: %w", err)
	}

	s := &Store{db: db, maxAttempts: maxAttempts}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize dlq schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA wal_autocheckpoint = 1000;
	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		first_failed_at INTEGER NOT NULL,
		last_attempted_at INTEGER,
		last_error TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dlq_type ON dead_letters(type);
	CREATE INDEX IF NOT EXISTS idx_dlq_archived ON dead_letters(archived);
	CREATE INDEX IF NOT EXISTS idx_dlq_last_attempted ON dead_letters(last_attempted_at) WHERE archived = 0;
	`
	_, err := s.db.Exec(query)
	return err
}

// Close checkpoints the WAL and closes the underlying database.
func (s *Store) Close() error {
	_, _ = s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return s.db.Close()
}

// Enqueue persists a new dead-letter message and returns its id.
func (s *Store) Enqueue(ctx context.Context, msgType, payload string, cause error) (string, error) {
	id := uuid.NewString()
	now := time.Now().Unix()

	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
		(id, type, payload, attempt_count, first_failed_at, last_attempted_at, last_error, archived, created_at)
		VALUES (?, ?, ?, 0, ?, NULL, ?, 0, ?)`,
		id, msgType, payload, now, lastErr, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue dead letter: %w", err)
	}
	return id, nil
}

// DequeuePending returns up to limit non-archived, ready-for-retry
// messages ordered by oldest firstFailedAt first.
func (s *Store) DequeuePending(ctx context.Context, limit int) ([]*domain.DeadLetterMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, payload, attempt_count, first_failed_at, last_attempted_at, last_error, archived, created_at
		FROM dead_letters
		WHERE archived = 0
		ORDER BY first_failed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("dequeue pending: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var out []*domain.DeadLetterMessage
	for rows.Next() {
		m, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if m.AttemptCount >= s.maxAttempts {
			continue
		}
		if !readyForRetry(m, now) {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func readyForRetry(m *domain.DeadLetterMessage, now time.Time) bool {
	if m.LastAttemptedAt.IsZero() {
		return true
	}
	idx := m.AttemptCount
	if idx >= len(RetryIntervals) {
		idx = len(RetryIntervals) - 1
	}
	return now.Sub(m.LastAttemptedAt) >= RetryIntervals[idx]
}

func scanDeadLetter(rows *sql.Rows) (*domain.DeadLetterMessage, error) {
	var m domain.DeadLetterMessage
	var firstFailedAt, createdAt int64
	var lastAttemptedAt sql.NullInt64
	var lastError sql.NullString
	var archived int

	if err := rows.Scan(
		&m.ID, &m.Type, &m.Payload, &m.AttemptCount, &firstFailedAt,
		&lastAttemptedAt, &lastError, &archived, &createdAt,
	); err != nil {
		return nil, err
	}

	m.FirstFailedAt = time.Unix(firstFailedAt, 0)
	m.CreatedAt = time.Unix(createdAt, 0)
	if lastAttemptedAt.Valid {
		m.LastAttemptedAt = time.Unix(lastAttemptedAt.Int64, 0)
	}
	m.LastError = lastError.String
	m.Archived = archived != 0
	return &m, nil
}

// RecordRetryAttempt increments attemptCount, stamps lastAttemptedAt, and
// archives the message once maxAttempts is reached.
func (s *Store) RecordRetryAttempt(ctx context.Context, id string, cause error) error {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET attempt_count = attempt_count + 1,
		    last_attempted_at = ?,
		    last_error = ?,
		    archived = CASE WHEN attempt_count + 1 >= ? THEN 1 ELSE archived END
		WHERE id = ?`,
		time.Now().Unix(), lastErr, s.maxAttempts, id,
	)
	if err != nil {
		return fmt.Errorf("record retry attempt: %w", err)
	}
	return nil
}

// RecordSuccess deletes the message: success ends its lifecycle.
func (s *Store) RecordSuccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("record dlq success: %w", err)
	}
	return nil
}

// Archive marks a message archived directly, without incrementing attempts.
func (s *Store) Archive(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("archive dead letter: %w", err)
	}
	return nil
}

// CleanupOldArchived deletes archived messages older than daysOld.
func (s *Store) CleanupOldArchived(ctx context.Context, daysOld int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -daysOld).Unix()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM dead_letters WHERE archived = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old archived: %w", err)
	}
	return res.RowsAffected()
}

// GetStats summarizes queue depth by status and type.
func (s *Store) GetStats(ctx context.Context) (*domain.DLQStats, error) {
	stats := &domain.DLQStats{ByType: make(map[string]int)}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`)
	if err := row.Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count total: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE archived = 1`)
	if err := row.Scan(&stats.Archived); err != nil {
		return nil, fmt.Errorf("count archived: %w", err)
	}
	stats.Pending = stats.Total - stats.Archived

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM dead_letters GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("group by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var count int
		if err := rows.Scan(&t, &count); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		stats.ByType[t] = count
	}
	return stats, rows.Err()
}
