package reminder

import (
	"fmt"
	"math"
	"time"

	"gymbot/internal/storage"
)

const dateFormat = "02 Jan 2006"

// FeeReminderMessage builds the payment reminder text for one customer.
func FeeReminderMessage(c storage.Customer, gymName string) string {
	return fmt.Sprintf(`Fee Payment Reminder

Dear %s,

This is a friendly reminder that you have a pending payment:

Roll Number: %s
Total Fee: Rs. %d
Paid Amount: Rs. %d
Remaining: Rs. %d

Please complete your payment at your earliest convenience.

Thank you,
%s`,
		c.Name, c.RollNumber, c.TotalFee, c.PaidFee, c.Remaining(), gymName)
}

// ExpiryReminderMessage builds the membership expiry reminder text.
func ExpiryReminderMessage(c storage.Customer, now time.Time, gymName string) string {
	days := daysUntil(now, c.EndDate)
	return fmt.Sprintf(`Membership Expiry Reminder

Dear %s,

Your gym membership is expiring soon:

Roll Number: %s
Current Package: %s
Expiry Date: %s
Days Remaining: %d

Please renew your membership to continue enjoying our services.

Best regards,
%s`,
		c.Name, c.RollNumber, c.Package, c.EndDate.Format(dateFormat), days, gymName)
}

// daysUntil rounds up, so a membership ending tomorrow morning still counts
// as one day left.
func daysUntil(now, end time.Time) int {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
