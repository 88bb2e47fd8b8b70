package engine

import (
	"errors"
	"strings"
)

// Sentinel errors for the scheduling/delivery error taxonomy in spec.md §7.
var (
	ErrPermissionDenied = errors.New("engine: notification permission denied")
	ErrNotInitialized   = errors.New("engine: not initialized")
	ErrMalformedContent = errors.New("engine: malformed notification content")
)

// Retryable classifies an OS scheduling failure per spec.md §7's
// enumeration: timeout, network, temporary, rate-limit, and
// service-unavailable errors are retried; permission and malformed
// errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "network", "temporary", "rate limit", "rate-limit", "unavailable", "server error"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
