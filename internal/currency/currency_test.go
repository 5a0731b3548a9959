package currency

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRounder_USD(t *testing.T) {
	r, err := NewRounder("USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Fraction() != 2 {
		t.Errorf("expected 2 fraction digits, got %d", r.Fraction())
	}

	got := r.Round(decimal.RequireFromString("150.12645"))
	if !got.Equal(decimal.RequireFromString("150.13")) {
		t.Errorf("expected 150.13, got %s", got)
	}
	if s := r.Format(decimal.Zero); s != "0.00" {
		t.Errorf("expected 0.00, got %s", s)
	}
}

func TestRounder_JPY(t *testing.T) {
	r := MustRounder("JPY")
	if got := r.Format(decimal.RequireFromString("1234.5")); got != "1235" {
		t.Errorf("expected 1235, got %s", got)
	}
}

func TestRounder_Unknown(t *testing.T) {
	if _, err := NewRounder("XXQ"); err == nil {
		t.Error("expected error for unknown currency")
	}
}
