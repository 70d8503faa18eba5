package wa

import (
	"strings"
	"testing"
)

func TestValidatePhoneShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		raw       string
		canonical string
		reason    string // substring of the rejection reason when invalid
	}{
		{name: "trunk local", raw: "03001234567", canonical: "923001234567"},
		{name: "international", raw: "923001234567", canonical: "923001234567"},
		{name: "bare mobile", raw: "3001234567", canonical: "923001234567"},
		{name: "formatted international", raw: "+92 300-123 4567", canonical: "923001234567"},
		{name: "formatted local", raw: "(0300) 123-4567", canonical: "923001234567"},
		{name: "empty", raw: "", reason: "empty"},
		{name: "no digits", raw: "abc-def", reason: "empty"},
		{name: "all zeros short", raw: "0000", reason: "zeros"},
		{name: "all zeros long", raw: "0000000000000", reason: "zeros"},
		{name: "too short", raw: "0300123", reason: "short"},
		{name: "too long", raw: "9230012345678901", reason: "long"},
		{name: "bad international length", raw: "92300123456", reason: "international"},
		{name: "bad trunk length", raw: "030012345678", reason: "mobile"},
		{name: "landline shape", raw: "0421234567", reason: "unsupported"},
		{name: "foreign number", raw: "14155238886", reason: "unsupported"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ValidatePhone(tt.raw)
			if tt.canonical != "" {
				if !got.OK {
					t.Fatalf("ValidatePhone(%q) rejected: %s", tt.raw, got.Reason)
				}
				if got.Recipient.Canonical != tt.canonical {
					t.Fatalf("canonical = %q, want %q", got.Recipient.Canonical, tt.canonical)
				}
				if want := tt.canonical + "@c.us"; got.Recipient.RoutingID != want {
					t.Fatalf("routing id = %q, want %q", got.Recipient.RoutingID, want)
				}
				if got.Recipient.Raw != tt.raw {
					t.Fatalf("raw = %q, want %q", got.Recipient.Raw, tt.raw)
				}
				return
			}
			if got.OK {
				t.Fatalf("ValidatePhone(%q) accepted, want rejection", tt.raw)
			}
			if !strings.Contains(strings.ToLower(got.Reason), tt.reason) {
				t.Fatalf("reason = %q, want it to mention %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestValidatePhoneTenDigitMobiles(t *testing.T) {
	t.Parallel()
	// Every ten-digit string with the mobile leading digit normalizes to
	// the country prefix plus the input.
	for _, tail := range []string{"001234567", "999999999", "450000001", "123456789"} {
		in := "3" + tail
		got := ValidatePhone(in)
		if !got.OK {
			t.Fatalf("ValidatePhone(%q) rejected: %s", in, got.Reason)
		}
		if want := "92" + in; got.Recipient.Canonical != want {
			t.Fatalf("canonical = %q, want %q", got.Recipient.Canonical, want)
		}
	}
}

func TestValidatePhoneDeterministic(t *testing.T) {
	t.Parallel()
	first := ValidatePhone("0300 123 4567")
	for i := 0; i < 50; i++ {
		if got := ValidatePhone("0300 123 4567"); got != first {
			t.Fatalf("iteration %d: %+v != %+v", i, got, first)
		}
	}
}
