package wa

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gymbot/pkg/logx"
)

// DefaultMessageInterval is the minimum spacing between two transport sends
// in a batch run. It keeps broadcast traffic under the transport's abuse
// threshold.
const DefaultMessageInterval = 3 * time.Second

// BulkRecipient is one row of a batch run. Outcomes are returned in input
// order, one per recipient, so callers correlate by index. Key is an
// opaque caller tag carried through to MessageFunc.
type BulkRecipient struct {
	Key   string
	Name  string
	Phone string
}

// MessageFunc builds the text for one recipient.
type MessageFunc func(r BulkRecipient) string

// Report aggregates a batch run.
type Report struct {
	Total    int
	Sent     int
	Failed   int
	Outcomes []Outcome
}

// Dispatcher pushes a recipient list through the delivery service, strictly
// sequentially; the session is a single shared resource and concurrent
// sends would only trip its rate limits.
type Dispatcher struct {
	delivery *Delivery
	log      logx.Logger

	mu       sync.Mutex
	interval time.Duration
	limiter  *rate.Limiter
}

func NewDispatcher(delivery *Delivery, interval time.Duration, log logx.Logger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultMessageInterval
	}
	return &Dispatcher{
		delivery: delivery,
		log:      log.With(logx.String("comp", "wa.dispatch")),
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// SetInterval adjusts the inter-message spacing; used on config reload.
func (d *Dispatcher) SetInterval(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMessageInterval
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if interval == d.interval {
		return
	}
	d.interval = interval
	d.limiter = rate.NewLimiter(rate.Every(interval), 1)
}

func (d *Dispatcher) currentLimiter() *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limiter
}

// SendAll delivers messageFor(r) to every recipient, in order. A single
// recipient's failure never aborts the batch; it becomes that recipient's
// outcome. Recipients without a usable phone are recorded as rejected
// without invoking the delivery service.
func (d *Dispatcher) SendAll(ctx context.Context, recipients []BulkRecipient, messageFor MessageFunc) Report {
	started := time.Now()
	rep := Report{
		Total:    len(recipients),
		Outcomes: make([]Outcome, 0, len(recipients)),
	}
	d.log.Info("batch started", logx.Int("total", rep.Total))

	canceled := false
	for _, r := range recipients {
		if canceled {
			rep.Outcomes = append(rep.Outcomes, canceledOutcome(r))
			rep.Failed++
			continue
		}

		if strings.TrimSpace(r.Phone) == "" {
			rep.Outcomes = append(rep.Outcomes, skippedOutcome(r, "recipient has no phone number"))
			rep.Failed++
			continue
		}

		// One send per interval; the first token is available immediately.
		if err := d.currentLimiter().Wait(ctx); err != nil {
			canceled = true
			rep.Outcomes = append(rep.Outcomes, canceledOutcome(r))
			rep.Failed++
			continue
		}

		out := d.delivery.Send(ctx, r.Phone, messageFor(r))
		rep.Outcomes = append(rep.Outcomes, out)
		if out.Status == DeliverySent {
			rep.Sent++
		} else {
			rep.Failed++
		}
	}

	d.log.Info("batch finished",
		logx.Int("total", rep.Total),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", time.Since(started)),
	)
	return rep
}

// skippedOutcome records a recipient rejected by batch policy before the
// delivery service was ever invoked.
func skippedOutcome(r BulkRecipient, reason string) Outcome {
	return Outcome{
		Status:    DeliveryRejected,
		Recipient: Recipient{Raw: r.Phone},
		ErrKind:   KindValidation,
		Err:       reason,
	}
}

// canceledOutcome marks a recipient the batch never got to. Failed, not
// rejected: nothing about the recipient itself was wrong.
func canceledOutcome(r BulkRecipient) Outcome {
	return Outcome{
		Status:    DeliveryFailed,
		Recipient: Recipient{Raw: r.Phone},
		ErrKind:   KindUnknown,
		Err:       "batch canceled",
	}
}
