package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value in centavos. Balances are stored in this form so
// that MongoDB $inc updates stay exact.
type Amount int64

const Zero Amount = 0

// MaxAmount bounds every externally supplied amount (ten trillion reais) so
// that sums of balances and deltas cannot overflow int64.
const MaxAmount Amount = 1_000_000_000_000_000

var ErrOutOfRange = errors.New("amount out of range")

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(int64(MaxAmount))
	minCents = maxCents.Neg()
)

// FromDecimal converts a major-unit decimal (reais) to an Amount, rounding to
// the nearest centavo. It does not range-check; input from outside the
// process goes through Parse or Unit.Decode.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Mul(hundred).Round(0).IntPart())
}

func fromCents(cents decimal.Decimal) (Amount, error) {
	cents = cents.Round(0)
	if cents.GreaterThan(maxCents) || cents.LessThan(minCents) {
		return 0, fmt.Errorf("%w: %s centavos", ErrOutOfRange, cents.String())
	}
	return Amount(cents.IntPart()), nil
}

// FromMinor wraps an integer count of centavos.
func FromMinor(cents int64) Amount {
	return Amount(cents)
}

// FromFloat is intended for literals in tests and configuration defaults.
func FromFloat(f float64) Amount {
	return FromDecimal(decimal.NewFromFloat(f))
}

// Parse reads a major-unit decimal string such as "10.50".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return fromCents(d.Mul(hundred))
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

func (a Amount) Minor() int64 {
	return int64(a)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}

func (a Amount) IsNegative() bool { return a < 0 }
func (a Amount) IsPositive() bool { return a > 0 }

func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Percent returns p percent of a, rounded half-up to two decimals.
func (a Amount) Percent(p decimal.Decimal) Amount {
	return FromDecimal(a.Decimal().Mul(p).Div(hundred).Round(2))
}

func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// MarshalJSON renders the amount as a bare decimal number with two places.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a numeric string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*a = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Unit is the representation a game provider uses on the wire.
type Unit string

const (
	UnitMajor Unit = "major"
	UnitMinor Unit = "minor"
)

func (u Unit) Valid() bool {
	return u == UnitMajor || u == UnitMinor
}

// Encode renders a for the provider, either as "12.34" or as 1234.
func (u Unit) Encode(a Amount) json.Number {
	if u == UnitMinor {
		return json.Number(fmt.Sprintf("%d", a.Minor()))
	}
	return json.Number(a.String())
}

// Decode converts a provider-supplied number into an Amount. Values beyond
// MaxAmount fail with ErrOutOfRange.
func (u Unit) Decode(d decimal.Decimal) (Amount, error) {
	if u == UnitMinor {
		return fromCents(d)
	}
	return fromCents(d.Mul(hundred))
}
