package aggregator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/chat"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/dlq"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/domain"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/servers"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/sessionstore"
)

type fakeChannel struct {
	sent     []chat.Notification
	failNext bool
}

func (f *fakeChannel) Send(ctx context.Context, n chat.Notification) error {
	if f.failNext {
		return errors.New("dispatch failed")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeChannel) ReceiveUpdate(ctx context.Context, handler func(chat.Update) error) error {
	return nil
}

func newTestAggregator(t *testing.T, ch chat.Channel, dlqStore *dlq.Store) (*Aggregator, *sessionstore.Store) {
	t.Helper()
	store, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("sessionstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := servers.New([]servers.Entry{
		{Server: domain.Server{ID: "kr4", Type: domain.ServerRemote}},
	})

	return New(store, reg, ch, dlqStore), store
}

func TestNotify_HappyPath(t *testing.T) {
	ch := &fakeChannel{}
	agg, _ := newTestAggregator(t, ch, nil)

	result, err := agg.Notify(context.Background(), NotifyRequest{
		ServerID: "kr4", Type: "completed", Project: "demo",
		Metadata: domain.Metadata{UserQuestion: "?", ClaudeResponse: "done", TmuxSession: "tmux1"},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if result.Session.Identifier() != "kr4:1" {
		t.Errorf("identifier = %q, want kr4:1", result.Session.Identifier())
	}
	if len(result.Session.Token) != 8 {
		t.Errorf("token %q not 8 chars", result.Session.Token)
	}

	if len(ch.sent) != 1 {
		t.Fatalf("expected 1 message sent, got %d", len(ch.sent))
	}
	body := ch.sent[0].Text
	for _, want := range []string{"KR4", "kr4:1", "demo", "?", "done"} {
		if !strings.Contains(body, want) {
			t.Errorf("message body missing %q: %s", want, body)
		}
	}
}

func TestNotify_UnknownServerRejected(t *testing.T) {
	ch := &fakeChannel{}
	agg, _ := newTestAggregator(t, ch, nil)

	_, err := agg.Notify(context.Background(), NotifyRequest{
		ServerID: "ghost", Type: "completed", Project: "demo",
		Metadata: domain.Metadata{TmuxSession: "tmux1"},
	})
	if !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("expected ErrUnknownServer, got %v", err)
	}
}

func TestNotify_MissingFieldsRejected(t *testing.T) {
	ch := &fakeChannel{}
	agg, _ := newTestAggregator(t, ch, nil)

	_, err := agg.Notify(context.Background(), NotifyRequest{ServerID: "kr4"})
	if err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestNotify_DispatchFailureEnqueuesToDLQ(t *testing.T) {
	ch := &fakeChannel{failNext: true}
	dlqStore, err := dlq.Open(filepath.Join(t.TempDir(), "dlq.db"), 5)
	if err != nil {
		t.Fatalf("dlq.Open: %v", err)
	}
	t.Cleanup(func() { dlqStore.Close() })

	agg, _ := newTestAggregator(t, ch, dlqStore)

	_, err = agg.Notify(context.Background(), NotifyRequest{
		ServerID: "kr4", Type: "completed", Project: "demo",
		Metadata: domain.Metadata{TmuxSession: "tmux1"},
	})
	if err == nil {
		t.Fatal("expected dispatch error to propagate")
	}
	if !errors.Is(err, ErrDispatchFailed) {
		t.Errorf("err = %v, want it to wrap ErrDispatchFailed", err)
	}

	stats, err := dlqStore.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("expected 1 pending DLQ message, got %d", stats.Pending)
	}
	if stats.ByType[DLQMessageType] != 1 {
		t.Errorf("expected 1 message of type %q, got %d", DLQMessageType, stats.ByType[DLQMessageType])
	}
}

func TestNotify_ReNotifySameTmuxUpdatesNotDuplicates(t *testing.T) {
	ch := &fakeChannel{}
	agg, store := newTestAggregator(t, ch, nil)
	ctx := context.Background()

	if _, err := agg.Notify(ctx, NotifyRequest{
		ServerID: "kr4", Type: "completed", Project: "demo",
		Metadata: domain.Metadata{TmuxSession: "tmux1"},
	}); err != nil {
		t.Fatalf("Notify 1: %v", err)
	}
	if _, err := agg.Notify(ctx, NotifyRequest{
		ServerID: "kr4", Type: "completed", Project: "updated",
		Metadata: domain.Metadata{TmuxSession: "tmux1"},
	}); err != nil {
		t.Fatalf("Notify 2: %v", err)
	}

	sessions, err := store.GetServerSessions(ctx, "kr4")
	if err != nil {
		t.Fatalf("GetServerSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session after re-notify, got %d", len(sessions))
	}
	if sessions[0].Project != "updated" {
		t.Errorf("Project = %q, want updated", sessions[0].Project)
	}
}
