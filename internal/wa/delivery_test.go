package wa

import (
	"context"
	"testing"
	"time"

	"gymbot/pkg/logx"
)

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InnerAttempts:  2,
		RateLimitDelay: time.Millisecond,
		TransientDelay: time.Millisecond,
		DefaultDelay:   time.Millisecond,
		InnerDelay:     time.Millisecond,
	}
}

// connectedSession returns a session already in StateConnected.
func connectedSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	tr.initFn = func(ctx context.Context) error {
		tr.emit(Event{Kind: EventReady})
		return nil
	}
	s := newTestSession(t, tr)
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitForState(t, s, StateConnected)
	return s, tr
}

func TestSendRejectsLocally(t *testing.T) {
	s, tr := connectedSession(t)
	d := NewDelivery(s, testRetryPolicy(), logx.Nop())

	tests := []struct {
		name  string
		phone string
		text  string
		kind  ErrorKind
	}{
		{name: "empty text", phone: "03001234567", text: "   ", kind: KindValidation},
		{name: "bad phone", phone: "0000", text: "hi", kind: KindValidation},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			out := d.Send(context.Background(), tt.phone, tt.text)
			if out.Status != DeliveryRejected {
				t.Fatalf("status = %s, want rejected", out.Status)
			}
			if out.ErrKind != tt.kind {
				t.Fatalf("kind = %s, want %s", out.ErrKind, tt.kind)
			}
			if out.Attempts != 0 {
				t.Fatalf("attempts = %d, want 0 (no retry budget consumed)", out.Attempts)
			}
		})
	}
	if _, _, send := tr.counts(); send != 0 {
		t.Fatalf("transport send called %d times for rejected inputs", send)
	}
}

func TestSendRejectsWhenNotConnected(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr) // never brought up
	d := NewDelivery(s, testRetryPolicy(), logx.Nop())

	out := d.Send(context.Background(), "03001234567", "hi")
	if out.Status != DeliveryRejected || out.ErrKind != KindNotReady {
		t.Fatalf("outcome = %+v, want rejected/not_ready", out)
	}
	if _, _, send := tr.counts(); send != 0 {
		t.Fatal("transport send invoked while session not connected")
	}
}

func TestSendFirstAttemptSuccess(t *testing.T) {
	s, _ := connectedSession(t)
	d := NewDelivery(s, testRetryPolicy(), logx.Nop())

	out := d.Send(context.Background(), "923001234567", "hi")
	if out.Status != DeliverySent {
		t.Fatalf("status = %s (%s), want sent", out.Status, out.Err)
	}
	if out.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", out.Attempts)
	}
	if out.MessageID == "" || out.Timestamp.IsZero() {
		t.Fatalf("missing transport receipt: %+v", out)
	}
	if out.Recipient.Canonical != "923001234567" {
		t.Fatalf("canonical = %q", out.Recipient.Canonical)
	}
}

func TestSendRateLimitedTwiceThenSuccess(t *testing.T) {
	s, tr := connectedSession(t)
	d := NewDelivery(s, testRetryPolicy(), logx.Nop())

	calls := 0
	tr.sendFn = func(routingID, text string) (SendReceipt, error) {
		calls++
		if calls <= 2 {
			return SendReceipt{}, &TransportError{Kind: KindRateLimited, Msg: "flood wait"}
		}
		return SendReceipt{MessageID: "msg-3", Timestamp: time.Now()}, nil
	}

	out := d.Send(context.Background(), "03001234567", "hi")
	if out.Status != DeliverySent {
		t.Fatalf("status = %s (%s), want sent", out.Status, out.Err)
	}
	if out.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (one outer attempt per rate-limit hit)", out.Attempts)
	}
}

func TestSendUnreachableAbortsImmediately(t *testing.T) {
	s, tr := connectedSession(t)
	d := NewDelivery(s, testRetryPolicy(), logx.Nop())

	tr.sendFn = func(routingID, text string) (SendReceipt, error) {
		return SendReceipt{}, &TransportError{Kind: KindUnreachable, Code: "recipient_not_found", Msg: "no such user"}
	}

	start := time.Now()
	out := d.Send(context.Background(), "03001234567", "hi")
	if out.Status != DeliveryRejected || out.ErrKind != KindUnreachable {
		t.Fatalf("outcome = %+v, want rejected/unreachable", out)
	}
	if out.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", out.Attempts)
	}
	if _, _, send := tr.counts(); send != 1 {
		t.Fatalf("transport send called %d times, want 1", send)
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("permanent failure incurred backoff delay: %v", took)
	}
}

func TestSendRejectsWhenSessionDropsMidSend(t *testing.T) {
	s, tr := connectedSession(t)
	d := NewDelivery(s, testRetryPolicy(), logx.Nop())

	// First transport call knocks the session over; the retry that follows
	// hits the session's readiness guard.
	tr.sendFn = func(routingID, text string) (SendReceipt, error) {
		tr.emit(Event{Kind: EventDisconnected})
		waitForState(t, s, StateDisconnected)
		return SendReceipt{}, &TransportError{Kind: KindTransient, Msg: "stream closed"}
	}

	start := time.Now()
	out := d.Send(context.Background(), "03001234567", "hi")
	if out.Status != DeliveryRejected || out.ErrKind != KindNotReady {
		t.Fatalf("outcome = %+v, want rejected/not_ready", out)
	}
	if out.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (readiness loss must not be retried)", out.Attempts)
	}
	if _, _, send := tr.counts(); send != 1 {
		t.Fatalf("transport send called %d times after session drop, want 1", send)
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("readiness loss incurred backoff delay: %v", took)
	}
}

func TestSendUnresolvedAddressRejects(t *testing.T) {
	s, tr := connectedSession(t)
	d := NewDelivery(s, testRetryPolicy(), logx.Nop())

	tr.resolveFn = func(routingID string) (bool, error) { return false, nil }

	out := d.Send(context.Background(), "03001234567", "hi")
	if out.Status != DeliveryRejected || out.ErrKind != KindUnreachable {
		t.Fatalf("outcome = %+v, want rejected/unreachable", out)
	}
	if _, _, send := tr.counts(); send != 0 {
		t.Fatalf("transport send called %d times after negative existence check", send)
	}
}

func TestSendExhaustsRetriesOnTransientErrors(t *testing.T) {
	s, tr := connectedSession(t)
	d := NewDelivery(s, testRetryPolicy(), logx.Nop())

	tr.sendFn = func(routingID, text string) (SendReceipt, error) {
		return SendReceipt{}, &TransportError{Kind: KindTransient, Msg: "protocol error"}
	}

	out := d.Send(context.Background(), "03001234567", "hi")
	if out.Status != DeliveryFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if out.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", out.Attempts)
	}
	if out.ErrKind != KindTransient {
		t.Fatalf("kind = %s, want transient", out.ErrKind)
	}
	// 3 outer x 2 inner transport calls, transient errors retry at both levels.
	if _, _, send := tr.counts(); send != 6 {
		t.Fatalf("transport send called %d times, want 6", send)
	}
}
