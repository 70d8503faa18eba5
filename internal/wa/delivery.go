package wa

import (
	"context"
	"strings"
	"time"

	"gymbot/pkg/logx"
)

// DeliveryStatus is the terminal classification of one send call.
type DeliveryStatus int

const (
	// DeliverySent: the transport accepted the message.
	DeliverySent DeliveryStatus = iota
	// DeliveryRejected: refused locally (bad phone, empty text, session not
	// connected) or the recipient is confirmed unreachable. No retry budget
	// was wasted on it.
	DeliveryRejected
	// DeliveryFailed: all retry attempts were exhausted.
	DeliveryFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliverySent:
		return "sent"
	case DeliveryRejected:
		return "rejected"
	}
	return "failed"
}

// Outcome describes one send call. This package does not persist it;
// persistence belongs to the caller.
type Outcome struct {
	Status    DeliveryStatus
	Recipient Recipient
	MessageID string
	Timestamp time.Time
	Attempts  int
	ErrKind   ErrorKind
	Err       string
}

// RetryPolicy holds the attempt bounds and backoff bases for one send.
// Backoff scales linearly with the outer attempt number.
type RetryPolicy struct {
	// MaxAttempts is the outer classify-and-backoff bound.
	MaxAttempts int
	// InnerAttempts bounds raw transport calls inside one outer attempt.
	InnerAttempts int

	RateLimitDelay time.Duration
	TransientDelay time.Duration
	DefaultDelay   time.Duration
	InnerDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InnerAttempts:  2,
		RateLimitDelay: 5 * time.Second,
		TransientDelay: 3 * time.Second,
		DefaultDelay:   2 * time.Second,
		InnerDelay:     time.Second,
	}
}

// Delivery sends one message to one recipient through a connected session.
// It never constructs or destroys the transport handle; it only reads
// session state and calls the session's send primitives.
type Delivery struct {
	session *Session
	policy  RetryPolicy
	log     logx.Logger
}

func NewDelivery(session *Session, policy RetryPolicy, log logx.Logger) *Delivery {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Delivery{
		session: session,
		policy:  policy,
		log:     log.With(logx.String("comp", "wa.delivery")),
	}
}

// Send delivers text to rawPhone.
//
// Validation and readiness problems reject immediately without touching the
// transport; a session that drops mid-send rejects the same way, with the
// attempts already incurred. Transport errors are classified by kind:
// unreachable aborts, rate-limited and transient back off and retry,
// anything else gets the default backoff. Exhausting the outer bound yields
// DeliveryFailed with the last error attached.
func (d *Delivery) Send(ctx context.Context, rawPhone, text string) Outcome {
	if strings.TrimSpace(text) == "" {
		return Outcome{
			Status:    DeliveryRejected,
			Recipient: Recipient{Raw: rawPhone},
			ErrKind:   KindValidation,
			Err:       "message text is empty",
		}
	}

	vr := ValidatePhone(rawPhone)
	if !vr.OK {
		return Outcome{
			Status:    DeliveryRejected,
			Recipient: Recipient{Raw: rawPhone},
			ErrKind:   KindValidation,
			Err:       vr.Reason,
		}
	}
	r := vr.Recipient

	if d.session.State() != StateConnected {
		return Outcome{
			Status:    DeliveryRejected,
			Recipient: r,
			ErrKind:   KindNotReady,
			Err:       ErrNotReady.Error(),
		}
	}

	var last error
	attempts := 0
	for outer := 1; outer <= d.policy.MaxAttempts; outer++ {
		attempts = outer
		if outer == 1 {
			// Existence pre-check. A definitive "absent" is permanent; a
			// failed check is ignored and the send itself decides.
			if exists, err := d.session.ResolveAddress(ctx, r.RoutingID); err == nil && !exists {
				d.log.Warn("recipient not on transport", logx.String("to", r.Canonical))
				return Outcome{
					Status:    DeliveryRejected,
					Recipient: r,
					Attempts:  outer,
					ErrKind:   KindUnreachable,
					Err:       "recipient is not registered on the transport",
				}
			}
		}

		receipt, err := d.sendInner(ctx, r.RoutingID, text)
		if err == nil {
			d.log.Info("message sent", logx.String("to", r.Canonical), logx.Int("attempts", outer), logx.String("id", receipt.MessageID))
			return Outcome{
				Status:    DeliverySent,
				Recipient: r,
				MessageID: receipt.MessageID,
				Timestamp: receipt.Timestamp,
				Attempts:  outer,
			}
		}
		last = err
		kind := Classify(err)
		d.log.Warn("send attempt failed", logx.String("to", r.Canonical), logx.Int("attempt", outer), logx.String("kind", kind.String()), logx.Err(err))

		if kind == KindUnreachable || kind == KindNotReady {
			// Unreachable is permanent per-recipient. Not-ready means the
			// session dropped mid-send; it only clears after a reconnect, so
			// the caller retries later, not this ladder.
			return Outcome{
				Status:    DeliveryRejected,
				Recipient: r,
				Attempts:  outer,
				ErrKind:   kind,
				Err:       err.Error(),
			}
		}
		if outer == d.policy.MaxAttempts {
			break
		}
		if !sleepCtx(ctx, d.backoff(kind)*time.Duration(outer)) {
			last = ctx.Err()
			break
		}
	}

	return Outcome{
		Status:    DeliveryFailed,
		Recipient: r,
		Attempts:  attempts,
		ErrKind:   Classify(last),
		Err:       errString(last),
	}
}

// sendInner performs the raw transport attempts for one outer attempt.
func (d *Delivery) sendInner(ctx context.Context, routingID, text string) (SendReceipt, error) {
	inner := d.policy.InnerAttempts
	if inner <= 0 {
		inner = 1
	}
	var last error
	for i := 1; i <= inner; i++ {
		receipt, err := d.session.SendText(ctx, routingID, text)
		if err == nil {
			return receipt, nil
		}
		last = err
		// Permanent, readiness and rate-limit errors bubble straight to the
		// outer classifier; hammering them back-to-back is useless.
		if k := Classify(err); k == KindUnreachable || k == KindNotReady || k == KindRateLimited || i == inner {
			break
		}
		if !sleepCtx(ctx, d.policy.InnerDelay*time.Duration(i)) {
			return SendReceipt{}, ctx.Err()
		}
	}
	return SendReceipt{}, last
}

func (d *Delivery) backoff(kind ErrorKind) time.Duration {
	switch kind {
	case KindRateLimited:
		return d.policy.RateLimitDelay
	case KindTransient:
		return d.policy.TransientDelay
	default:
		return d.policy.DefaultDelay
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
