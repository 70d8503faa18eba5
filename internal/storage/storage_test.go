package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gymbot/pkg/logx"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "gym.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedCustomer(t *testing.T, st *Store, name, roll, phone string, total, paid int64, end time.Time) Customer {
	t.Helper()
	c := Customer{
		Name:       name,
		RollNumber: roll,
		Phone:      phone,
		Package:    "monthly",
		TotalFee:   total,
		PaidFee:    paid,
		StartDate:  end.AddDate(0, -1, 0),
		EndDate:    end,
	}
	if err := st.CreateCustomer(context.Background(), &c); err != nil {
		t.Fatalf("CreateCustomer(%s): %v", name, err)
	}
	return c
}

func TestCustomerCRUD(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	end := time.Now().AddDate(0, 1, 0)

	c := seedCustomer(t, st, "Ali Raza", "GM-001", "03001234567", 5000, 2000, end)
	if c.ID == 0 {
		t.Fatal("expected assigned ID")
	}

	got, err := st.GetCustomer(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCustomer: %v", err)
	}
	if got.Name != "Ali Raza" || got.Remaining() != 3000 {
		t.Fatalf("got %+v", got)
	}

	got.PaidFee = 5000
	if err := st.UpdateCustomer(ctx, got); err != nil {
		t.Fatalf("UpdateCustomer: %v", err)
	}
	got, _ = st.GetCustomer(ctx, c.ID)
	if got.Remaining() != 0 {
		t.Fatalf("remaining = %d after full payment", got.Remaining())
	}

	if err := st.DeleteCustomer(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCustomer: %v", err)
	}
	if _, err := st.GetCustomer(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := st.DeleteCustomer(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestReminderQueries(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now()

	pending := seedCustomer(t, st, "Pending", "GM-010", "03001111111", 5000, 1000, now.AddDate(0, 2, 0))
	seedCustomer(t, st, "Paid Up", "GM-011", "03002222222", 5000, 5000, now.AddDate(0, 2, 0))
	seedCustomer(t, st, "No Phone", "GM-012", "  ", 5000, 0, now.AddDate(0, 2, 0))
	expiring := seedCustomer(t, st, "Expiring", "GM-013", "03003333333", 5000, 5000, now.AddDate(0, 0, 2))
	seedCustomer(t, st, "Long Gone", "GM-014", "03004444444", 5000, 5000, now.AddDate(0, 0, -10))

	due, err := st.CustomersWithPendingFees(ctx)
	if err != nil {
		t.Fatalf("CustomersWithPendingFees: %v", err)
	}
	if len(due) != 1 || due[0].ID != pending.ID {
		t.Fatalf("pending = %+v, want only %q", due, pending.Name)
	}

	exp, err := st.CustomersExpiringWithin(ctx, now, 3)
	if err != nil {
		t.Fatalf("CustomersExpiringWithin: %v", err)
	}
	if len(exp) != 1 || exp[0].ID != expiring.ID {
		t.Fatalf("expiring = %+v, want only %q", exp, expiring.Name)
	}

	at := now.Truncate(time.Second)
	if err := st.MarkFeeReminded(ctx, pending.ID, at); err != nil {
		t.Fatalf("MarkFeeReminded: %v", err)
	}
	got, _ := st.GetCustomer(ctx, pending.ID)
	if got.LastFeeReminder == nil || !got.LastFeeReminder.Equal(at.UTC()) {
		t.Fatalf("last fee reminder = %v, want %v", got.LastFeeReminder, at)
	}
}

func TestDeliveriesAndSummary(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now()

	c := seedCustomer(t, st, "Ali", "GM-020", "03001234567", 6000, 4000, now.AddDate(0, 1, 0))
	if err := st.RecordAttendance(ctx, c.ID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("RecordAttendance: %v", err)
	}
	if err := st.RecordAttendance(ctx, c.ID, now.AddDate(0, 0, -40)); err != nil {
		t.Fatalf("RecordAttendance: %v", err)
	}

	checkins, err := st.AttendanceBetween(ctx, c.ID, now.AddDate(0, 0, -7), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("AttendanceBetween: %v", err)
	}
	if len(checkins) != 1 {
		t.Fatalf("checkins in window = %d, want 1", len(checkins))
	}

	for _, status := range []string{"sent", "failed"} {
		err := st.AppendDelivery(ctx, DeliveryRecord{
			Kind: "fee_reminder", Phone: "03001234567", Canonical: "923001234567",
			Status: status, Attempts: 1,
		})
		if err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
	}
	recent, err := st.RecentDeliveries(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(recent) != 2 || recent[0].Status != "failed" {
		t.Fatalf("recent = %+v, want newest first", recent)
	}

	sum, err := st.SummaryBetween(ctx, now.AddDate(0, 0, -7), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryBetween: %v", err)
	}
	if sum.Customers != 1 || sum.Collected != 4000 || sum.Outstanding != 2000 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.CheckIns != 1 {
		t.Fatalf("checkins = %d, want 1", sum.CheckIns)
	}
	if sum.SentLast30d != 1 {
		t.Fatalf("sent last 30d = %d, want 1", sum.SentLast30d)
	}
}
