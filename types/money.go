package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a USD-denominated decimal amount with two decimal places.
// It marshals to a bare JSON number (0.01) and accepts either a number or a
// quoted string when unmarshaling, so values survive a sign/verify round trip
// without passing through float64.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount
var Zero = Amount{}

// NewAmount rounds d to two decimal places
func NewAmount(d decimal.Decimal) Amount {
	return Amount{d: d.Round(2)}
}

// ParseAmount parses a decimal string such as "0.01" or "$1.50"
func ParseAmount(s string) (Amount, error) {
	if len(s) > 0 && s[0] == '$' {
		s = s[1:]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return NewAmount(d), nil
}

// MustParseAmount is like ParseAmount but panics on error. Intended for constants.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal returns the underlying decimal value
func (a Amount) Decimal() decimal.Decimal {
	return a.d
}

// Mul returns a*qty rounded to two decimal places
func (a Amount) Mul(qty int) Amount {
	return NewAmount(a.d.Mul(decimal.NewFromInt(int64(qty))))
}

// Add returns a+b rounded to two decimal places
func (a Amount) Add(b Amount) Amount {
	return NewAmount(a.d.Add(b.d))
}

// Equal reports whether both amounts have the same value
func (a Amount) Equal(b Amount) bool {
	return a.d.Equal(b.d)
}

// IsNegative reports whether a < 0
func (a Amount) IsNegative() bool {
	return a.d.IsNegative()
}

// Float64 returns the nearest float64. Display only.
func (a Amount) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

// String returns the shortest decimal representation ("0.01", "1.5")
func (a Amount) String() string {
	return a.d.String()
}

// MarshalJSON encodes the amount as a JSON number
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.d.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string
func (a *Amount) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*a = Amount{}
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	*a = NewAmount(d)
	return nil
}
