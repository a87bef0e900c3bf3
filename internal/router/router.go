// Package router implements the command router: it parses chat commands,
// resolves sessions, and delegates delivery to the SSH executor.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/chat"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/sessionstore"
)

var cmdPattern = regexp.MustCompile(`^/cmd\s+([a-z0-9]+:\d+|[A-Z0-9]{8})\s+(.+)$`)

const usageText = "usage: /cmd <identifier> <text>"
const helpText = "Send /cmd <identifier> <text> to deliver text into a remote tmux session. <identifier> is either serverId:serverNumber or an 8-character token."
const startText = "Hub is online. " + helpText

// SSHExecutor is the subset of sshexec.Executor the router depends on.
type SSHExecutor interface {
	Execute(ctx context.Context, serverID, command, tmuxSession string) error
}

// Router parses inbound chat updates and drives session lookup + delivery.
type Router struct {
	sessions *sessionstore.Store
	executor SSHExecutor
	channel  chat.Channel
}

// New builds a Router.
func New(sessions *sessionstore.Store, executor SSHExecutor, channel chat.Channel) *Router {
	return &Router{sessions: sessions, executor: executor, channel: channel}
}

// HandleUpdate is the entry point invoked for every inbound chat.Update.
func (r *Router) HandleUpdate(ctx context.Context, u chat.Update) error {
	switch u.Kind {
	case chat.UpdateCallback:
		return r.handleCallback(ctx, u.Callback)
	case chat.UpdateText:
		return r.handleText(ctx, u.Text)
	default:
		return nil
	}
}

func (r *Router) handleText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	switch text {
	case "/start":
		return r.reply(ctx, startText)
	case "/help":
		return r.reply(ctx, helpText)
	}

	match := cmdPattern.FindStringSubmatch(text)
	if match == nil {
		return r.reply(ctx, usageText)
	}

	identifier, command := match[1], match[2]
	return r.execute(ctx, identifier, command)
}

func (r *Router) execute(ctx context.Context, identifier, command string) error {
	session, err := r.sessions.FindSession(ctx, identifier)
	if err != nil {
		return fmt.Errorf("router: lookup session %q: %w", identifier, err)
	}
	if session == nil {
		return r.reply(ctx, "invalid or expired session")
	}

	if err := r.executor.Execute(ctx, session.ServerID, command, session.TmuxSession); err != nil {
		return r.reply(ctx, fmt.Sprintf("failed to deliver command to %s: %s", identifier, err))
	}

	return r.reply(ctx, fmt.Sprintf(
		"delivered to %s [%s/%s]: %s",
		identifier, strings.ToUpper(session.ServerID), session.TmuxSession, command,
	))
}

// handleCallback implements the personal:N / group:N / session:N inline
// buttons (spec §4.8): each replies with the exact command-format string
// for that session number. Resolution of "session number" to a concrete
// identifier requires a serverId, which callers (group buttons) encode
// into the callback data as "<kind>:<serverId>:<number>"; a bare
// "<kind>:<number>" falls back to showing the number only.
func (r *Router) handleCallback(ctx context.Context, data string) error {
	parts := strings.Split(data, ":")
	if len(parts) < 2 {
		return r.reply(ctx, usageText)
	}

	kind := parts[0]
	switch kind {
	case "personal", "group", "session":
		number := parts[len(parts)-1]
		identifier := number
		if len(parts) >= 3 {
			identifier = strings.Join(parts[1:], ":")
		}
		return r.reply(ctx, fmt.Sprintf("/cmd %s <command>", identifier))
	default:
		return r.reply(ctx, usageText)
	}
}

func (r *Router) reply(ctx context.Context, text string) error {
	return r.channel.Send(ctx, chat.Notification{Text: text})
}
