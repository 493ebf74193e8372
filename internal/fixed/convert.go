package fixed

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/arbengine/internal/common/errors"
)

// Boundary conversions. None of these are called from the detection hot
// path; they serve config parsing, codec tests and audit serialization.

// FromDecimal converts a decimal.Decimal to a Value at the given scale
func FromDecimal(d decimal.Decimal, scale uint8) (Value, error) {
	if scale > MaxScale {
		return Value{}, errors.New(errors.ErrScaleInconsistent, "scale out of range")
	}
	shifted := d.Shift(int32(scale))
	if !shifted.IsInteger() {
		shifted = shifted.Truncate(0)
	}
	if shifted.Cmp(decimal.NewFromInt(math.MaxInt64)) > 0 ||
		shifted.Cmp(decimal.NewFromInt(math.MinInt64)) < 0 {
		return Value{}, errors.New(errors.ErrOverflow, "decimal exceeds mantissa range")
	}
	return Value{M: shifted.IntPart(), S: scale}, nil
}

// ToDecimal converts a Value to a decimal.Decimal
func ToDecimal(v Value) decimal.Decimal {
	return decimal.New(v.M, -int32(v.S))
}

// FromString parses a decimal string into a Value at the given scale
func FromString(s string, scale uint8) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, errors.Wrap(err, errors.ErrMalformedSnapshot, "parse decimal")
	}
	return FromDecimal(d, scale)
}

// FromFloat converts a float64 to a Value at the given scale, truncating.
// Reserved for the ingest boundary; quality scores and test fixtures only.
func FromFloat(f float64, scale uint8) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, errors.New(errors.ErrMalformedSnapshot, "non-finite float")
	}
	return FromDecimal(decimal.NewFromFloat(f), scale)
}

// ToFloat converts a Value to float64 for audit rendering
func ToFloat(v Value) float64 {
	f, _ := ToDecimal(v).Float64()
	return f
}

// String renders the value as a canonical decimal string
func (v Value) String() string {
	return ToDecimal(v).String()
}
