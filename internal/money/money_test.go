package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMinorRoundTrip(t *testing.T) {
	amount := decimal.RequireFromString("97.5")
	minor, err := ToMinor(amount)
	if err != nil {
		t.Fatalf("ToMinor: %v", err)
	}
	if minor != 97_500_000 {
		t.Fatalf("unexpected minor units: %d", minor)
	}
	if !FromMinor(minor).Equal(amount) {
		t.Fatalf("round trip mismatch: %s", FromMinor(minor))
	}
}

func TestToMinorRejectsExcessPrecision(t *testing.T) {
	if _, err := ToMinor(decimal.RequireFromString("0.0000001")); err == nil {
		t.Fatalf("expected precision error")
	}
}

func TestToBaseUnits(t *testing.T) {
	units, err := ToBaseUnits(decimal.RequireFromString("1.25"), 18)
	if err != nil {
		t.Fatalf("ToBaseUnits: %v", err)
	}
	if units.String() != "1250000000000000000" {
		t.Fatalf("unexpected base units: %s", units)
	}
	if _, err := ToBaseUnits(decimal.RequireFromString("0.5"), 0); err == nil {
		t.Fatalf("expected error for fractional base units")
	}
}

func TestPositive(t *testing.T) {
	if err := Positive(decimal.Zero); err == nil {
		t.Fatalf("expected zero to be rejected")
	}
	if err := Positive(decimal.RequireFromString("-1")); err == nil {
		t.Fatalf("expected negative to be rejected")
	}
	if err := Positive(decimal.RequireFromString("0.000001")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParse(t *testing.T) {
	if _, err := Parse("  "); err == nil {
		t.Fatalf("expected empty error")
	}
	if _, err := Parse("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
	d, err := Parse("500")
	if err != nil || !d.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected parse result %s %v", d, err)
	}
}
