package dlq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, maxAttempts int) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dlq.db")
	s, err := Open(dbPath, maxAttempts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueDequeue_ReadyImmediatelyOnFirstAttempt(t *testing.T) {
	s := openTestStore(t, 5)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "telegram_notification", `{"text":"hi"}`, errors.New("connection refused"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pending, err := s.DequeuePending(ctx, 10)
	if err != nil {
		t.Fatalf("DequeuePending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("expected 1 pending message with id %s, got %+v", id, pending)
	}
}

func TestRecordRetryAttempt_NotReadyUntilIntervalElapses(t *testing.T) {
	s := openTestStore(t, 5)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "telegram_notification", "{}", errors.New("timeout"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.RecordRetryAttempt(ctx, id, errors.New("still failing")); err != nil {
		t.Fatalf("RecordRetryAttempt: %v", err)
	}

	pending, err := s.DequeuePending(ctx, 10)
	if err != nil {
		t.Fatalf("DequeuePending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected message not ready (60s interval not elapsed), got %+v", pending)
	}
}

func TestRecordRetryAttempt_ArchivesAtMaxAttempts(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "telegram_notification", "{}", errors.New("down"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := s.RecordRetryAttempt(ctx, id, errors.New("still down")); err != nil {
		t.Fatalf("RecordRetryAttempt 1: %v", err)
	}
	if err := s.RecordRetryAttempt(ctx, id, errors.New("still down")); err != nil {
		t.Fatalf("RecordRetryAttempt 2: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Archived != 1 {
		t.Errorf("expected 1 archived message after reaching maxAttempts, got %d", stats.Archived)
	}
	if stats.Pending != 0 {
		t.Errorf("expected 0 pending, got %d", stats.Pending)
	}
}

func TestRecordSuccess_DeletesMessage(t *testing.T) {
	s := openTestStore(t, 5)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "telegram_notification", "{}", errors.New("fail"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.RecordSuccess(ctx, id); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("expected 0 total after success, got %d", stats.Total)
	}
}

func TestArchive_Direct(t *testing.T) {
	s := openTestStore(t, 5)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "telegram_notification", "{}", errors.New("fail"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Archive(ctx, id); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	pending, err := s.DequeuePending(ctx, 10)
	if err != nil {
		t.Fatalf("DequeuePending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("archived message should never be dequeued, got %+v", pending)
	}
}

func TestCleanupOldArchived(t *testing.T) {
	s := openTestStore(t, 5)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "telegram_notification", "{}", errors.New("fail"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Archive(ctx, id); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	old := time.Now().AddDate(0, 0, -10).Unix()
	if _, err := s.db.Exec(`UPDATE dead_letters SET created_at = ? WHERE id = ?`, old, id); err != nil {
		t.Fatalf("backdate created_at: %v", err)
	}

	deleted, err := s.CleanupOldArchived(ctx, 7)
	if err != nil {
		t.Fatalf("CleanupOldArchived: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestGetStats_ByType(t *testing.T) {
	s := openTestStore(t, 5)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "telegram_notification", "{}", errors.New("x")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, "telegram_notification", "{}", errors.New("x")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, "ssh_command", "{}", errors.New("x")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.ByType["telegram_notification"] != 2 {
		t.Errorf("telegram_notification count = %d, want 2", stats.ByType["telegram_notification"])
	}
	if stats.ByType["ssh_command"] != 1 {
		t.Errorf("ssh_command count = %d, want 1", stats.ByType["ssh_command"])
	}
}
