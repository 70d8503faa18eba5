package wa

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed operation. Transport adapters produce the
// transport-level kinds; the local kinds are produced inside this package.
// Retry policy switches on the kind, never on error text.
type ErrorKind int

const (
	KindNone ErrorKind = iota

	// Local, never retried.
	KindValidation
	KindNotReady

	// Permanent per-recipient: the address is confirmed absent from the
	// transport. Never retried.
	KindUnreachable

	// Transient, retried with backoff.
	KindRateLimited
	KindTransient

	// Anything unclassified; retried with the default backoff.
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindNotReady:
		return "not_ready"
	case KindUnreachable:
		return "unreachable"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// TransportError is the typed error produced at the transport-adapter
// boundary.
type TransportError struct {
	Kind ErrorKind
	// Code is the transport's own error identifier, when it has one.
	Code string
	Msg  string
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("transport: %s (%s)", e.Msg, e.Code)
	}
	return "transport: " + e.Msg
}

// ErrNotReady is returned by session send primitives while the session is
// not Connected. Callers surface it immediately; it never consumes retry
// budget.
var ErrNotReady = errors.New("session is not connected")

// ErrBringUpAborted is surfaced to Initialize callers when the bring-up was
// torn down underneath them (Disconnect or process shutdown).
var ErrBringUpAborted = errors.New("session bring-up aborted")

// BringUpError is surfaced after bounded internal bring-up retries are
// exhausted. The session stays in StateFailed until an explicit Restart.
type BringUpError struct {
	Attempts int
	Last     error
}

func (e *BringUpError) Error() string {
	return fmt.Sprintf("session bring-up failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *BringUpError) Unwrap() error { return e.Last }

// Classify maps an error to its ErrorKind. Unrecognized errors are
// KindUnknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, ErrNotReady) {
		return KindNotReady
	}
	return KindUnknown
}
