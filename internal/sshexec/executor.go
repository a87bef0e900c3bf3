package sshexec

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/breaker"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/domain"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/retry"
)

// ExecError augments a delivery failure with the serverId and underlying
// error, per spec §4.6 ("preserve and re-throw the error augmented with
// serverId and original error code").
type ExecError struct {
	ServerID string
	Err      error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("ssh exec on server %s: %s", e.ServerID, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ServerLookup resolves a serverId to its configuration, as the server
// registry would.
type ServerLookup func(serverID string) (domain.Server, bool)

// Executor delivers text followed by Enter into a named tmux session on
// the originating host, local or remote.
type Executor struct {
	pool       *pool
	breakers   *breaker.Registry
	retry      *retry.Middleware
	policy     retry.Policy
	lookup     ServerLookup
	connectSec int
	execSec    int
}

// New builds an Executor. connectTimeoutSec/execTimeoutSec bound SSH
// connect and exec respectively (spec §5 default 30s each).
func New(lookup ServerLookup, breakers *breaker.Registry, retryMW *retry.Middleware, policy retry.Policy, connectTimeoutSec, execTimeoutSec int) *Executor {
	return &Executor{
		pool:       newPool(),
		breakers:   breakers,
		retry:      retryMW,
		policy:     policy,
		lookup:     lookup,
		connectSec: connectTimeoutSec,
		execSec:    execTimeoutSec,
	}
}

// Execute delivers command into tmuxSession on serverID's host.
func (e *Executor) Execute(ctx context.Context, serverID, command, tmuxSession string) error {
	server, ok := e.lookup(serverID)
	if !ok {
		return fmt.Errorf("ssh exec: unknown server %q", serverID)
	}

	if server.Type == domain.ServerLocal {
		return e.executeLocal(ctx, command, tmuxSession)
	}
	return e.executeRemote(ctx, server, command, tmuxSession)
}

func (e *Executor) executeLocal(ctx context.Context, command, tmuxSession string) error {
	script := tmuxSendKeysCommand(tmuxSession, command)
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("local tmux delivery failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (e *Executor) executeRemote(ctx context.Context, server domain.Server, command, tmuxSession string) error {
	br := e.breakers.Get(server.ID)
	if err := br.Allow(server.ID); err != nil {
		return err
	}

	err := e.retry.Execute(ctx, e.policy, func(ctx context.Context) error {
		return e.deliverOnce(ctx, server, command, tmuxSession)
	})

	if err != nil {
		e.pool.evict(server.ID)
		br.RecordFailure()
		return &ExecError{ServerID: server.ID, Err: err}
	}

	br.RecordSuccess()
	return nil
}

func (e *Executor) deliverOnce(ctx context.Context, server domain.Server, command, tmuxSession string) error {
	client, err := e.pool.acquire(ctx, server.ID, func(ctx context.Context) (*ssh.Client, error) {
		return dial(dialParams{
			Hostname: server.Hostname,
			User:     server.User,
			Port:     server.Port,
			KeyPath:  server.KeyPath,
			Timeout:  time.Duration(e.connectSec) * time.Second,
		})
	})
	if err != nil {
		return fmt.Errorf("acquire ssh client for %s: %w", server.ID, err)
	}

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session on %s: %w", server.ID, err)
	}
	defer session.Close()

	remoteCmd := tmuxSendKeysCommand(tmuxSession, command)

	done := make(chan error, 1)
	go func() { done <- session.Run(remoteCmd) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("run remote tmux delivery on %s: %w", server.ID, err)
		}
		return nil
	case <-time.After(time.Duration(e.execSec) * time.Second):
		return fmt.Errorf("exec timeout on %s after %ds", server.ID, e.execSec)
	case <-ctx.Done():
		return fmt.Errorf("exec cancelled on %s: %w", server.ID, ctx.Err())
	}
}

// Close disposes of every pooled SSH client, as required on executor
// shutdown.
func (e *Executor) Close() {
	e.pool.closeAll()
}

// RunRaw executes command verbatim on serverID's host and returns its
// combined output, bypassing the send-keys tmux delivery path. Used by
// the recovery manager to list and kill tmux sessions directly rather
// than simulate keystrokes into them.
func (e *Executor) RunRaw(ctx context.Context, serverID, command string) (string, error) {
	server, ok := e.lookup(serverID)
	if !ok {
		return "", fmt.Errorf("ssh exec: unknown server %q", serverID)
	}

	if server.Type == domain.ServerLocal {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		out, err := cmd.CombinedOutput()
		return string(out), err
	}

	client, err := e.pool.acquire(ctx, server.ID, func(ctx context.Context) (*ssh.Client, error) {
		return dial(dialParams{
			Hostname: server.Hostname,
			User:     server.User,
			Port:     server.Port,
			KeyPath:  server.KeyPath,
			Timeout:  time.Duration(e.connectSec) * time.Second,
		})
	})
	if err != nil {
		return "", fmt.Errorf("acquire ssh client for %s: %w", server.ID, err)
	}

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session on %s: %w", server.ID, err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(command)
	return string(out), err
}

func tmuxSendKeysCommand(tmuxSession, text string) string {
	return fmt.Sprintf("tmux send-keys -t %s %s Enter", shellQuote(tmuxSession), shellQuote(text))
}

// shellQuote single-quotes s for a POSIX shell, escaping embedded
// single quotes per spec §4.6 ("standard shell escaping").
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
