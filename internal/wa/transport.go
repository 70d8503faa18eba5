// Package wa manages the outbound WhatsApp session and governs reliable,
// rate-safe delivery of text messages over it.
//
// The package splits into four pieces, leaves first:
//
//   - phone normalization (pure functions, phone.go)
//   - Session: the connection state machine over an injected Transport
//   - Delivery: single-message send with retry/backoff and typed
//     error classification
//   - Dispatcher: throttled sequential batch sends for reminder runs
package wa

import (
	"context"
	"time"
)

// Transport is the capability surface of the underlying WhatsApp channel.
// Implementations own credentials, persistence of the login and the actual
// wire mechanics; this package treats them as a black box.
//
// Events() must return the same channel for the lifetime of the transport;
// it stays valid across Initialize/Destroy cycles.
type Transport interface {
	// Initialize starts a session bring-up. It returns once the bring-up is
	// underway; progress (pairing, authenticated, ready) arrives as events.
	Initialize(ctx context.Context) error

	// Destroy tears down the live session, if any. Best-effort.
	Destroy(ctx context.Context) error

	// SendMessage delivers text to a routing ID. Errors should be
	// *TransportError so callers can classify them.
	SendMessage(ctx context.Context, routingID, text string) (SendReceipt, error)

	// ResolveAddress reports whether the routing ID exists on the transport.
	ResolveAddress(ctx context.Context, routingID string) (bool, error)

	Events() <-chan Event
}

type SendReceipt struct {
	MessageID string
	Timestamp time.Time
}

// EventKind enumerates the transport signals the session reacts to.
// Anything else a transport emits is ignored.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventPairingChallenge
	EventAuthenticated
	EventReady
	EventAuthFailure
	EventDisconnected
	EventRuntimeError
)

func (k EventKind) String() string {
	switch k {
	case EventPairingChallenge:
		return "pairing_challenge"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	case EventRuntimeError:
		return "runtime_error"
	}
	return "unknown"
}

type Event struct {
	Kind EventKind

	// Challenge carries the pairing payload for EventPairingChallenge
	// (an opaque token the operator turns into a scannable code).
	Challenge string

	// Detail carries transport-provided context for failure and
	// disconnect events.
	Detail string
}
