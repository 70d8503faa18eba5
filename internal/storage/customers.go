package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Customer is one gym member record. Fee amounts are whole rupees.
type Customer struct {
	ID         int64
	Name       string
	RollNumber string
	Phone      string
	Package    string
	TotalFee   int64
	PaidFee    int64
	StartDate  time.Time
	EndDate    time.Time

	LastFeeReminder    *time.Time
	LastExpiryReminder *time.Time
	CreatedAt          time.Time
}

// Remaining is the outstanding fee balance.
func (c Customer) Remaining() int64 { return c.TotalFee - c.PaidFee }

const customerCols = `id, name, roll_number, phone, package, total_fee, paid_fee,
	start_date, end_date, last_fee_reminder, last_expiry_reminder, created_at`

func (s *Store) CreateCustomer(ctx context.Context, c *Customer) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("customer name is required")
	}
	if strings.TrimSpace(c.RollNumber) == "" {
		return errors.New("customer roll number is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO customers(name, roll_number, phone, package, total_fee, paid_fee,
		 start_date, end_date, last_fee_reminder, last_expiry_reminder, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		c.Name, c.RollNumber, c.Phone, c.Package, c.TotalFee, c.PaidFee,
		fmtTime(c.StartDate), fmtTime(c.EndDate),
		nullTime(c.LastFeeReminder), nullTime(c.LastExpiryReminder), fmtTime(c.CreatedAt),
	)
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+customerCols+` FROM customers WHERE id = ?`, id)
	return scanCustomer(row)
}

func (s *Store) ListCustomers(ctx context.Context) ([]Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerCols+` FROM customers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCustomers(rows)
}

func (s *Store) UpdateCustomer(ctx context.Context, c Customer) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET name=?, roll_number=?, phone=?, package=?, total_fee=?, paid_fee=?,
		 start_date=?, end_date=? WHERE id=?`,
		c.Name, c.RollNumber, c.Phone, c.Package, c.TotalFee, c.PaidFee,
		fmtTime(c.StartDate), fmtTime(c.EndDate), c.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteCustomer(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CustomersWithPendingFees returns customers with an outstanding balance
// and a phone on file, in roll-number order. Feeds the fee reminder job.
func (s *Store) CustomersWithPendingFees(ctx context.Context) ([]Customer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+customerCols+` FROM customers
		 WHERE total_fee > paid_fee AND TRIM(phone) != '' ORDER BY roll_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCustomers(rows)
}

// CustomersExpiringWithin returns customers whose membership ends inside
// the next `days` days (and has not already ended). Feeds the expiry
// reminder job.
func (s *Store) CustomersExpiringWithin(ctx context.Context, now time.Time, days int) ([]Customer, error) {
	until := now.AddDate(0, 0, days)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+customerCols+` FROM customers
		 WHERE end_date >= ? AND end_date <= ? AND TRIM(phone) != '' ORDER BY end_date`,
		fmtTime(now), fmtTime(until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCustomers(rows)
}

func (s *Store) MarkFeeReminded(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE customers SET last_fee_reminder=? WHERE id=?`, fmtTime(at), id)
	return err
}

func (s *Store) MarkExpiryReminded(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE customers SET last_expiry_reminder=? WHERE id=?`, fmtTime(at), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (Customer, error) {
	var c Customer
	var start, end, created string
	var feeRem, expRem sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.RollNumber, &c.Phone, &c.Package, &c.TotalFee, &c.PaidFee,
		&start, &end, &feeRem, &expRem, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, err
	}
	c.StartDate = parseTime(start)
	c.EndDate = parseTime(end)
	c.CreatedAt = parseTime(created)
	c.LastFeeReminder = scanNullTime(feeRem)
	c.LastExpiryReminder = scanNullTime(expRem)
	return c, nil
}

func collectCustomers(rows *sql.Rows) ([]Customer, error) {
	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
