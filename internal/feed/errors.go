package feed

import "fmt"

// ConnectionError is a network-level failure; the subscriber always retries it.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("event feed %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the feed rejected the handshake. It is retried with the same
// credentials after backoff.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "event feed rejected authentication"
	}
	return "event feed rejected authentication: " + e.Reason
}
