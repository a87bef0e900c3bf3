package retry

import (
	"errors"
	"strings"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/shared"
)

// NonRetryable wraps an error to mark it as persistent: the retry
// middleware must abort immediately rather than spend further attempts.
type NonRetryable struct {
	Err error
}

func (n *NonRetryable) Error() string { return n.Err.Error() }
func (n *NonRetryable) Unwrap() error { return n.Err }

// MarkNonRetryable wraps err so Classify always reports it as persistent.
func MarkNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryable{Err: err}
}

var persistentSubstrings = []string{
	"authentication failed",
	"auth failed",
	"permission denied",
	"no such file or directory",
	"not found",
	"unauthorized",
}

var transientSubstrings = []string{
	"connection reset",
	"connection refused",
	"econnreset",
	"econnrefused",
	"i/o timeout",
	"timeout",
	"host unreachable",
	"ehostunreach",
	"no route to host",
	"broken pipe",
	"sqlite_busy",
	"database is locked",
	"eof",
}

// Classify reports whether err should be retried under spec §4.1's rules:
// a handful of recognised transient families are retried, a handful of
// recognised persistent families fail fast, and anything unclassified is
// retried defensively (spec's explicit "Default" rule) unless explicitly
// marked non-retryable via MarkNonRetryable.
func Classify(err error) (retryable bool) {
	if err == nil {
		return false
	}

	var nr *NonRetryable
	if errors.As(err, &nr) {
		return false
	}

	if shared.IsSQLiteConflictError(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range persistentSubstrings {
		if strings.Contains(msg, s) {
			return false
		}
	}
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}

	// Unclassified: defensive default, retry.
	return true
}
