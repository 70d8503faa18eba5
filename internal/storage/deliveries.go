package storage

import (
	"context"
	"time"
)

// DeliveryRecord is one row of the outbound message log. The messaging
// core produces outcomes but does not persist them; callers append them
// here.
type DeliveryRecord struct {
	ID        int64
	At        time.Time
	Kind      string // "manual", "fee_reminder", "expiry_reminder"
	Phone     string
	Canonical string
	Status    string
	MessageID string
	Attempts  int
	ErrKind   string
	Err       string
}

func (s *Store) AppendDelivery(ctx context.Context, d DeliveryRecord) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, kind, phone, canonical, status, message_id, attempts, err_kind, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		fmtTime(d.At), d.Kind, d.Phone, d.Canonical, d.Status, d.MessageID, d.Attempts, d.ErrKind, d.Err,
	)
	return err
}

// RecentDeliveries returns the newest records first, capped at limit.
func (s *Store) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, phone, canonical, status, message_id, attempts, err_kind, err
		 FROM deliveries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var d DeliveryRecord
		var at string
		if err := rows.Scan(&d.ID, &at, &d.Kind, &d.Phone, &d.Canonical, &d.Status,
			&d.MessageID, &d.Attempts, &d.ErrKind, &d.Err); err != nil {
			return nil, err
		}
		d.At = parseTime(at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordAttendance stores a check-in for a customer.
func (s *Store) RecordAttendance(ctx context.Context, customerID int64, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attendance(customer_id, checked_in) VALUES(?,?)`, customerID, fmtTime(at))
	return err
}

// AttendanceBetween returns check-in timestamps for one customer inside
// [from, to), oldest first.
func (s *Store) AttendanceBetween(ctx context.Context, customerID int64, from, to time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checked_in FROM attendance
		 WHERE customer_id = ? AND checked_in >= ? AND checked_in < ? ORDER BY checked_in`,
		customerID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var at string
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		out = append(out, parseTime(at))
	}
	return out, rows.Err()
}

// Summary aggregates the business counters the report endpoint serves.
type Summary struct {
	Customers   int64
	Collected   int64
	Outstanding int64
	CheckIns    int64 // within the requested window
	SentLast30d int64
}

func (s *Store) SummaryBetween(ctx context.Context, from, to time.Time) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(paid_fee), 0),
		        COALESCE(SUM(MAX(total_fee - paid_fee, 0)), 0)
		 FROM customers`).Scan(&sum.Customers, &sum.Collected, &sum.Outstanding)
	if err != nil {
		return Summary{}, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance WHERE checked_in >= ? AND checked_in < ?`,
		fmtTime(from), fmtTime(to)).Scan(&sum.CheckIns)
	if err != nil {
		return Summary{}, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE status = 'sent' AND at >= ?`,
		fmtTime(to.AddDate(0, 0, -30))).Scan(&sum.SentLast30d)
	if err != nil {
		return Summary{}, err
	}
	return sum, nil
}
