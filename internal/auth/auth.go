// Package auth implements the shared-secret authentication the aggregator
// requires of inbound agent reports (spec §4.7 step 1).
package auth

import (
	"crypto/subtle"
	"net/http"
)

// SharedSecretHeader is the header agents must set on POST /notify.
const SharedSecretHeader = "X-Shared-Secret"

// Authenticate performs a constant-time comparison of the request's
// shared-secret header against expected. A non-matching or missing
// header is "not authenticated"; callers decide how to respond.
func Authenticate(r *http.Request, expected string) bool {
	got := r.Header.Get(SharedSecretHeader)
	if got == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
