package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/aggregator"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/auth"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/breaker"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/chat"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/domain"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/servers"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/sessionstore"
)

var errSendFailed = errors.New("simulated chat channel failure")

type fakeChannel struct {
	sent     []chat.Notification
	failNext bool
}

func (f *fakeChannel) Send(ctx context.Context, n chat.Notification) error {
	if f.failNext {
		return errSendFailed
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeChannel) ReceiveUpdate(ctx context.Context, handler func(chat.Update) error) error {
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeChannel) {
	t.Helper()
	store, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("sessionstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := servers.New([]servers.Entry{
		{Server: domain.Server{ID: "kr4", Type: domain.ServerLocal}},
	})
	ch := &fakeChannel{}
	agg := aggregator.New(store, reg, ch, nil)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())

	return NewHandler(agg, store, nil, breakers, "topsecret"), ch
}

func TestHandleNotify_MissingSharedSecretRejected(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.HandleNotify(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleNotify_ValidRequestCreatesSessionAndDispatches(t *testing.T) {
	h, ch := newTestHandler(t)

	body := `{"serverId":"kr4","type":"completion","project":"demo","metadata":{"tmuxSession":"tmux1"}}`
	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(body))
	req.Header.Set(auth.SharedSecretHeader, "topsecret")
	w := httptest.NewRecorder()
	h.HandleNotify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if len(ch.sent) != 1 {
		t.Fatalf("expected 1 dispatched notification, got %d", len(ch.sent))
	}

	var resp notifyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Errorf("success = false, want true")
	}
	if resp.Session.Identifier != "kr4:1" {
		t.Errorf("session.identifier = %q, want kr4:1", resp.Session.Identifier)
	}
	if resp.Session.Token == "" {
		t.Errorf("session.token = empty, want a token")
	}
}

func TestHandleNotify_UnknownServerReturnsStructured400(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{"serverId":"unknown","type":"completion","project":"demo"}`
	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(body))
	req.Header.Set(auth.SharedSecretHeader, "topsecret")
	w := httptest.NewRecorder()
	h.HandleNotify(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "unknown_server") {
		t.Errorf("body = %s, want unknown_server code", w.Body.String())
	}
}

func TestHandleNotify_DispatchFailureAfterDLQEnqueueReturns500(t *testing.T) {
	h, ch := newTestHandler(t)
	ch.failNext = true

	body := `{"serverId":"kr4","type":"completion","project":"demo"}`
	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(body))
	req.Header.Set(auth.SharedSecretHeader, "topsecret")
	w := httptest.NewRecorder()
	h.HandleNotify(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500, body=%s", w.Code, w.Body.String())
	}
}

func TestHandleHealth_AlwaysOK(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.HandleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHandleSessions_ListsCreatedSessions(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{"serverId":"kr4","type":"completion","project":"demo","metadata":{"tmuxSession":"tmux1"}}`
	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(body))
	req.Header.Set(auth.SharedSecretHeader, "topsecret")
	h.HandleNotify(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w2 := httptest.NewRecorder()
	h.HandleSessions(w2, req2)

	if w2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w2.Code)
	}
	if !strings.Contains(w2.Body.String(), "kr4:1") {
		t.Errorf("body = %s, want session kr4:1 listed", w2.Body.String())
	}
}

func TestHandleDLQStats_NilStoreReturnsEmptyStats(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/dlq/stats", nil)
	w := httptest.NewRecorder()
	h.HandleDLQStats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
