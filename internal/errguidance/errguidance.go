// Package errguidance maps known error diagnostics to short, user-facing
// guidance strings and structures unknown-entity failures for chat and
// HTTP surfaces (spec §7).
package errguidance

import (
	"fmt"
	"strings"
)

// Structured is the {code, message, recoveryGuidance} shape for
// unknown-entity failures (spec §7).
type Structured struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	RecoveryGuidance string `json:"recoveryGuidance"`
}

func (s *Structured) Error() string { return s.Message }

// UnknownServer builds the structured error for an unrecognized serverId.
func UnknownServer(serverID string) *Structured {
	return &Structured{
		Code:             "unknown_server",
		Message:          fmt.Sprintf("server %q is not registered", serverID),
		RecoveryGuidance: "verify the serverId matches an entry in the server registry configuration",
	}
}

// UnknownSession builds the structured error for an invalid or expired
// session identifier.
func UnknownSession(identifier string) *Structured {
	return &Structured{
		Code:             "unknown_session",
		Message:          fmt.Sprintf("session %q is invalid or expired", identifier),
		RecoveryGuidance: "request a fresh completion notification from the agent to create a new session",
	}
}

var substringGuidance = []struct {
	substr   string
	guidance string
}{
	{"connection refused", "Unable to connect to server (connection refused)"},
	{"ECONNREFUSED", "Unable to connect to server (connection refused)"},
	{"connection reset", "Connection to server was reset; retrying may help"},
	{"no route to host", "Server is unreachable (no route to host)"},
	{"i/o timeout", "Operation timed out waiting for the server"},
	{"timeout", "Operation timed out waiting for the server"},
	{"authentication failed", "Authentication to server failed; check SSH credentials"},
	{"permission denied", "Permission denied by server; check SSH key and user"},
	{"no such file or directory", "A required file or path was not found on the server"},
	{"database is locked", "Storage is temporarily busy; the operation will be retried"},
	{"SQLITE_BUSY", "Storage is temporarily busy; the operation will be retried"},
}

// Guidance replaces a technical diagnostic with a short user-facing
// suggestion, falling back to the original message when nothing matches.
func Guidance(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, g := range substringGuidance {
		if strings.Contains(lower, strings.ToLower(g.substr)) {
			return g.guidance
		}
	}
	return msg
}
