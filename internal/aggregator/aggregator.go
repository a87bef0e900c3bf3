// Package aggregator implements the notification aggregator: it
// authenticates inbound agent reports, upserts sessions, formats and
// dispatches chat messages, and enqueues failures to the dead-letter
// queue for background retry.
package aggregator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/chat"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/dlq"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/domain"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/servers"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/sessionstore"
)

// NotifyRequest is the decoded body of POST /notify.
type NotifyRequest struct {
	ServerID string
	Type     string
	Project  string
	Metadata domain.Metadata
}

// Validate checks the required fields per spec §4.7 step 2.
func (r NotifyRequest) Validate() error {
	if r.ServerID == "" || r.Type == "" || r.Project == "" {
		return fmt.Errorf("missing required field: serverId, type, and project are all required")
	}
	return nil
}

// DLQMessageType is the message type recorded for failed chat dispatches.
const DLQMessageType = "telegram_notification"

// Aggregator wires the session registry, server registry, chat channel,
// and (optionally) the dead-letter queue together.
type Aggregator struct {
	sessions *sessionstore.Store
	servers  *servers.Registry
	channel  chat.Channel
	dlq      *dlq.Store // nil when the DLQ is disabled
	rand     *rand.Rand
}

// New builds an Aggregator. dlqStore may be nil to disable DLQ fallback.
func New(sessions *sessionstore.Store, serverRegistry *servers.Registry, channel chat.Channel, dlqStore *dlq.Store) *Aggregator {
	return &Aggregator{
		sessions: sessions,
		servers:  serverRegistry,
		channel:  channel,
		dlq:      dlqStore,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Result is returned to the HTTP layer to build the response body.
type Result struct {
	Session *domain.Session
}

// ErrUnknownServer is returned when the request's serverId is not registered.
var ErrUnknownServer = fmt.Errorf("unknown server")

// ErrDispatchFailed is wrapped into the error Notify returns when the chat
// channel send failed, whether or not the DLQ enqueue absorbed it. The HTTP
// layer maps this to 500: the session was already created, the failure is
// downstream, and it is never the caller's fault.
var ErrDispatchFailed = fmt.Errorf("dispatch to chat channel failed")

// Notify runs the full processing pipeline (spec §4.7 steps 2-6; step 1,
// authentication, is the HTTP layer's responsibility since it must reject
// before touching application state).
func (a *Aggregator) Notify(ctx context.Context, req NotifyRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !a.servers.HasServer(req.ServerID) {
		return nil, ErrUnknownServer
	}

	if err := a.servers.UpdateServerStatus(req.ServerID, domain.StatusActive, time.Now()); err != nil {
		return nil, fmt.Errorf("mark server liveness: %w", err)
	}

	session, err := a.sessions.CreateSession(ctx, sessionstore.CreateParams{
		ServerID: req.ServerID,
		Project:  req.Project,
		Metadata: req.Metadata,
	}, a.rand)
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}

	text := FormatMessage(req.ServerID, session)
	notification := chat.Notification{Text: text}

	if err := a.channel.Send(ctx, notification); err != nil {
		if a.dlq != nil {
			if _, enqueueErr := a.dlq.Enqueue(ctx, DLQMessageType, text, err); enqueueErr != nil {
				return nil, fmt.Errorf("%w: enqueue also failed: %v (send error: %v)", ErrDispatchFailed, enqueueErr, err)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	return &Result{Session: session}, nil
}

// Redispatch re-sends a previously failed payload, for use as the DLQ
// retry loop's Redispatcher.
func (a *Aggregator) Redispatch(ctx context.Context, msgType, payload string) error {
	if msgType != DLQMessageType {
		return fmt.Errorf("aggregator: cannot redispatch unknown message type %q", msgType)
	}
	return a.channel.Send(ctx, chat.Notification{Text: payload})
}

// FormatMessage renders the textual payload described in spec §4.7 step 5.
func FormatMessage(serverID string, session *domain.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(serverID), session.Project)
	fmt.Fprintf(&b, "Session: %s\n", session.Identifier())
	if session.Metadata.UserQuestion != "" {
		fmt.Fprintf(&b, "Question: %s\n", session.Metadata.UserQuestion)
	}
	if session.Metadata.ClaudeResponse != "" {
		fmt.Fprintf(&b, "Response: %s\n", session.Metadata.ClaudeResponse)
	}
	fmt.Fprintf(&b, "/cmd %s <command>\n", session.Identifier())
	return b.String()
}
