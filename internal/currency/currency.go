// Package currency rounds decimal amounts to the minor unit of an ISO 4217
// currency (cents for USD, none for JPY).
package currency

import (
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Rounder rounds amounts to a currency's minor unit.
type Rounder struct {
	code     string
	fraction int32
}

// NewRounder returns a Rounder for the given ISO code.
func NewRounder(code string) (*Rounder, error) {
	cur := money.GetCurrency(code)
	if cur == nil {
		return nil, fmt.Errorf("currency: unknown code %q", code)
	}
	return &Rounder{code: cur.Code, fraction: int32(cur.Fraction)}, nil
}

// MustRounder is NewRounder that panics on an unknown code.
func MustRounder(code string) *Rounder {
	r, err := NewRounder(code)
	if err != nil {
		panic(err)
	}
	return r
}

// Code returns the ISO currency code.
func (r *Rounder) Code() string { return r.code }

// Fraction returns the number of minor-unit digits.
func (r *Rounder) Fraction() int32 { return r.fraction }

// Round rounds d half away from zero to the minor unit.
func (r *Rounder) Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(r.fraction)
}

// Format renders d with exactly Fraction digits, e.g. "0.00".
func (r *Rounder) Format(d decimal.Decimal) string {
	return d.StringFixed(r.fraction)
}
