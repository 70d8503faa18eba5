package wa

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"gymbot/pkg/logx"
)

func testDispatcher(t *testing.T, interval time.Duration) (*Dispatcher, *fakeTransport) {
	t.Helper()
	s, tr := connectedSession(t)
	d := NewDelivery(s, testRetryPolicy(), logx.Nop())
	return NewDispatcher(d, interval, logx.Nop()), tr
}

func TestSendAllOrderAndCounters(t *testing.T) {
	disp, _ := testDispatcher(t, time.Millisecond)

	recipients := []BulkRecipient{
		{Name: "Ali", Phone: "03001234567"},
		{Name: "No Phone", Phone: "   "},
		{Name: "Sara", Phone: "923331234567"},
	}
	rep := disp.SendAll(context.Background(), recipients, func(r BulkRecipient) string {
		return "hello " + r.Name
	})

	if rep.Total != 3 || len(rep.Outcomes) != 3 {
		t.Fatalf("total = %d, outcomes = %d, want 3/3", rep.Total, len(rep.Outcomes))
	}
	if rep.Sent != 2 || rep.Failed != 1 {
		t.Fatalf("sent = %d failed = %d, want 2/1", rep.Sent, rep.Failed)
	}
	if rep.Outcomes[0].Recipient.Canonical != "923001234567" {
		t.Fatalf("outcome order broken: %+v", rep.Outcomes[0])
	}
	if rep.Outcomes[1].Status != DeliveryRejected || rep.Outcomes[1].ErrKind != KindValidation {
		t.Fatalf("phoneless recipient outcome = %+v, want rejected/validation", rep.Outcomes[1])
	}
	if rep.Outcomes[2].Recipient.Canonical != "923331234567" {
		t.Fatalf("outcome order broken: %+v", rep.Outcomes[2])
	}
}

func TestSendAllThrottlesSends(t *testing.T) {
	const interval = 60 * time.Millisecond
	disp, tr := testDispatcher(t, interval)

	recipients := []BulkRecipient{
		{Phone: "03001234567"},
		{Phone: "03001234568"},
		{Phone: "03001234569"},
	}
	rep := disp.SendAll(context.Background(), recipients, func(BulkRecipient) string { return "hi" })
	if rep.Sent != 3 {
		t.Fatalf("sent = %d, want 3", rep.Sent)
	}

	tr.mu.Lock()
	times := append([]time.Time(nil), tr.sendTimes...)
	tr.mu.Unlock()
	if len(times) != 3 {
		t.Fatalf("transport send called %d times, want 3", len(times))
	}
	// Timer precision: allow a small skew below the configured interval.
	const slack = 10 * time.Millisecond
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < interval-slack {
			t.Fatalf("sends %d and %d only %v apart, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestSendAllIsolatesFailures(t *testing.T) {
	disp, tr := testDispatcher(t, time.Millisecond)

	tr.sendFn = func(routingID, text string) (SendReceipt, error) {
		if strings.HasPrefix(routingID, "923002") {
			return SendReceipt{}, &TransportError{Kind: KindTransient, Msg: "protocol error"}
		}
		return SendReceipt{MessageID: "ok", Timestamp: time.Now()}, nil
	}

	recipients := []BulkRecipient{
		{Phone: "03001111111"},
		{Phone: "03002222222"}, // always fails
		{Phone: "03003333333"},
	}
	rep := disp.SendAll(context.Background(), recipients, func(BulkRecipient) string { return "hi" })

	if len(rep.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3 (batch must complete)", len(rep.Outcomes))
	}
	if rep.Outcomes[1].Status != DeliveryFailed {
		t.Fatalf("outcome[1] = %+v, want failed", rep.Outcomes[1])
	}
	if rep.Outcomes[0].Status != DeliverySent || rep.Outcomes[2].Status != DeliverySent {
		t.Fatalf("neighbors affected by failure: %+v", rep.Outcomes)
	}
	if rep.Sent != 2 || rep.Failed != 1 {
		t.Fatalf("sent = %d failed = %d, want 2/1", rep.Sent, rep.Failed)
	}
}

func TestSendAllCancelMarksRemainingFailed(t *testing.T) {
	const interval = 50 * time.Millisecond
	disp, _ := testDispatcher(t, interval)

	ctx, cancel := context.WithCancel(context.Background())
	recipients := []BulkRecipient{
		{Phone: "03001111111"},
		{Phone: "03002222222"},
		{Phone: "03003333333"},
	}
	rep := disp.SendAll(ctx, recipients, func(BulkRecipient) string {
		// Cancel while the first recipient is being processed; the
		// limiter wait for the second recipient then fails.
		cancel()
		return "hi"
	})

	if len(rep.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want one per recipient", len(rep.Outcomes))
	}
	if rep.Outcomes[0].Status != DeliverySent {
		t.Fatalf("outcome[0] = %+v, want sent", rep.Outcomes[0])
	}
	for i := 1; i < 3; i++ {
		out := rep.Outcomes[i]
		if out.Status != DeliveryFailed {
			t.Fatalf("outcome[%d] status = %s, want failed", i, out.Status)
		}
		if out.Err != "batch canceled" {
			t.Fatalf("outcome[%d] err = %q", i, out.Err)
		}
	}
	if rep.Sent != 1 || rep.Failed != 2 {
		t.Fatalf("sent = %d failed = %d, want 1/2", rep.Sent, rep.Failed)
	}
}

func TestSendAllLargeBatchOrder(t *testing.T) {
	disp, _ := testDispatcher(t, time.Millisecond)

	var recipients []BulkRecipient
	for i := 0; i < 10; i++ {
		recipients = append(recipients, BulkRecipient{Phone: fmt.Sprintf("0300123456%d", i)})
	}
	rep := disp.SendAll(context.Background(), recipients, func(BulkRecipient) string { return "hi" })

	if len(rep.Outcomes) != 10 {
		t.Fatalf("outcomes = %d, want 10", len(rep.Outcomes))
	}
	for i, out := range rep.Outcomes {
		want := fmt.Sprintf("92300123456%d", i)
		if out.Recipient.Canonical != want {
			t.Fatalf("outcome %d canonical = %q, want %q", i, out.Recipient.Canonical, want)
		}
	}
}
