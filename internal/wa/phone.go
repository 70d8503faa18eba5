package wa

import (
	"regexp"
	"strings"
)

// Pakistani mobile numbering. The canonical form is the country prefix
// followed by exactly ten national digits; the routing ID is the canonical
// form plus the transport's user-address suffix.
const (
	countryPrefix = "92"
	trunkPrefix   = "0"
	mobileLead    = '3'
	routingSuffix = "@c.us"
)

var canonicalRe = regexp.MustCompile(`^92[0-9]{10}$`)

// Recipient is a validated, normalized delivery address. Immutable once
// produced.
type Recipient struct {
	Raw       string
	Canonical string
	RoutingID string
}

type ValidationResult struct {
	OK        bool
	Reason    string
	Recipient Recipient
}

func invalid(reason string) ValidationResult {
	return ValidationResult{Reason: reason}
}

// ValidatePhone turns a free-form phone string into a Recipient or a
// rejection reason. Pure and deterministic.
//
// Accepted shapes, all rewritten to <92><10 digits>:
//
//	923001234567  international, as-is
//	03001234567   trunk-prefixed local, trunk digit dropped
//	3001234567    bare ten-digit mobile
func ValidatePhone(raw string) ValidationResult {
	digits := stripNonDigits(raw)

	if digits == "" {
		return invalid("phone number is empty")
	}
	if strings.Trim(digits, "0") == "" {
		return invalid("phone number contains only zeros")
	}
	if len(digits) < 10 {
		return invalid("phone number is too short")
	}
	if len(digits) > 15 {
		return invalid("phone number is too long")
	}

	var canonical string
	switch {
	case strings.HasPrefix(digits, countryPrefix):
		if len(digits) != len(countryPrefix)+10 {
			return invalid("invalid international format, expected 92 followed by 10 digits")
		}
		canonical = digits
	case strings.HasPrefix(digits, trunkPrefix+string(mobileLead)):
		// trunk digit + 10 national digits
		if len(digits) != len(trunkPrefix)+10 {
			return invalid("invalid mobile format, expected 03XXXXXXXXX")
		}
		canonical = countryPrefix + digits[len(trunkPrefix):]
	case len(digits) == 10 && digits[0] == byte(mobileLead):
		canonical = countryPrefix + digits
	default:
		return invalid("unsupported phone number format, use 03XXXXXXXXX")
	}

	// Defensive re-check of the canonical shape.
	if !canonicalRe.MatchString(canonical) {
		return invalid("phone number did not normalize to a valid mobile number")
	}

	return ValidationResult{
		OK: true,
		Recipient: Recipient{
			Raw:       raw,
			Canonical: canonical,
			RoutingID: canonical + routingSuffix,
		},
	}
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
