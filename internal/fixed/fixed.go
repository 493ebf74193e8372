// Package fixed implements exact decimal arithmetic on 64-bit integer
// mantissas with an explicit per-value scale. All hot-path math stays in the
// integer domain; conversion to and from IEEE-754 or decimal.Decimal happens
// only at the system boundary (config parsing, audit serialization).
package fixed

import (
	"math"
	"math/bits"

	"github.com/quantfabric/arbengine/internal/common/errors"
)

// MaxScale is the largest supported decimal exponent
const MaxScale = 18

// pow10 holds 10^i for i in [0, MaxScale]
var pow10 = [MaxScale + 1]uint64{
	1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000,
	1000000000, 10000000000, 100000000000, 1000000000000, 10000000000000,
	100000000000000, 1000000000000000, 10000000000000000, 100000000000000000,
	1000000000000000000,
}

// RoundMode selects the rounding behaviour at narrowing boundaries
type RoundMode uint8

const (
	// RoundTruncate discards the remainder. Used for all intermediate steps.
	RoundTruncate RoundMode = iota
	// RoundHalfEven rounds half to even. Used at output boundaries.
	RoundHalfEven
)

// Value is a fixed-point decimal: M × 10^-S. The zero Value is 0 at scale 0.
type Value struct {
	M int64
	S uint8
}

// New builds a Value from a mantissa and scale
func New(mantissa int64, scale uint8) Value {
	return Value{M: mantissa, S: scale}
}

// Zero returns zero at the given scale
func Zero(scale uint8) Value {
	return Value{S: scale}
}

// IsZero reports whether the value is zero regardless of scale
func (v Value) IsZero() bool { return v.M == 0 }

// Sign returns -1, 0 or 1
func (v Value) Sign() int {
	switch {
	case v.M < 0:
		return -1
	case v.M > 0:
		return 1
	}
	return 0
}

// Neg returns the negated value. Negating math.MinInt64 saturates.
func (v Value) Neg() Value {
	if v.M == math.MinInt64 {
		return Value{M: math.MaxInt64, S: v.S}
	}
	return Value{M: -v.M, S: v.S}
}

// Rescale converts v to the target scale. Scaling up saturates on overflow;
// scaling down truncates. The second return is false when saturation occurred.
func Rescale(v Value, scale uint8) (Value, bool) {
	if scale == v.S {
		return v, true
	}
	if scale > v.S {
		f := pow10[scale-v.S]
		hi, lo := bits.Mul64(abs64(v.M), f)
		if hi != 0 || lo > math.MaxInt64 {
			return Value{M: saturated(v.M), S: scale}, false
		}
		return Value{M: int64(lo) * int64(sign64(v.M)), S: scale}, true
	}
	f := int64(pow10[v.S-scale])
	return Value{M: v.M / f, S: scale}, true
}

// Add returns a + b at the larger of the two scales, saturating on overflow
func Add(a, b Value) (Value, bool) {
	a, b, s := normalize2(a, b)
	r := a.M + b.M
	// Overflow iff operands share a sign and the result sign flips.
	if (a.M >= 0) == (b.M >= 0) && (r >= 0) != (a.M >= 0) {
		return Value{M: saturated(a.M), S: s}, false
	}
	return Value{M: r, S: s}, true
}

// Sub returns a - b at the larger of the two scales, saturating on overflow
func Sub(a, b Value) (Value, bool) {
	return Add(a, b.Neg())
}

// Mul multiplies a and b, widening to a 128-bit intermediate, and narrows to
// outScale with the given rounding. Saturates on overflow.
func Mul(a, b Value, outScale uint8, mode RoundMode) (Value, bool) {
	neg := (a.M < 0) != (b.M < 0)
	hi, lo := bits.Mul64(abs64(a.M), abs64(b.M))
	// Intermediate scale is a.S + b.S; bring it down (or up) to outScale.
	interScale := int(a.S) + int(b.S)
	return narrow128(hi, lo, interScale, int(outScale), neg, mode)
}

// Div divides a by b and produces a value at outScale with the given
// rounding. Division by zero saturates toward the sign of a.
func Div(a, b Value, outScale uint8, mode RoundMode) (Value, bool) {
	if b.M == 0 {
		return Value{M: saturated(a.M), S: outScale}, false
	}
	// Widen the dividend so the quotient lands on outScale:
	// (a.M × 10^(outScale + b.S - a.S)) / b.M
	shift := int(outScale) + int(b.S) - int(a.S)
	neg := (a.M < 0) != (b.M < 0)
	num := abs64(a.M)
	den := abs64(b.M)
	var hi, lo uint64
	if shift >= 0 {
		if shift > MaxScale {
			return Value{M: saturated(a.M * sign64(b.M)), S: outScale}, false
		}
		hi, lo = bits.Mul64(num, pow10[shift])
	} else {
		if -shift > MaxScale {
			return Value{M: 0, S: outScale}, true
		}
		hi, lo = 0, num/pow10[-shift]
	}
	if hi >= den {
		return Value{M: saturatedSign(neg), S: outScale}, false
	}
	q, r := bits.Div64(hi, lo, den)
	q = roundQuotient(q, r, den, mode)
	if q > math.MaxInt64 {
		return Value{M: saturatedSign(neg), S: outScale}, false
	}
	m := int64(q)
	if neg {
		m = -m
	}
	return Value{M: m, S: outScale}, true
}

// Cmp compares a and b. Values at different scales are a programming error
// on the hot path and yield ErrScaleMismatch.
func Cmp(a, b Value) (int, error) {
	if a.S != b.S {
		return 0, errors.ScaleMismatch
	}
	switch {
	case a.M < b.M:
		return -1, nil
	case a.M > b.M:
		return 1, nil
	}
	return 0, nil
}

// MulBps applies a basis-point fraction to v, truncating. bps is in units of
// 1/10000; the result keeps v's scale.
func MulBps(v Value, bps int64) Value {
	neg := (v.M < 0) != (bps < 0)
	hi, lo := bits.Mul64(abs64(v.M), uint64(abs64(bps)))
	if hi >= 10000 {
		return Value{M: saturatedSign(neg), S: v.S}
	}
	q, _ := bits.Div64(hi, lo, 10000)
	if q > math.MaxInt64 {
		return Value{M: saturatedSign(neg), S: v.S}
	}
	m := int64(q)
	if neg {
		m = -m
	}
	return Value{M: m, S: v.S}
}

// narrow128 reduces a 128-bit magnitude at interScale down to outScale
func narrow128(hi, lo uint64, interScale, outScale int, neg bool, mode RoundMode) (Value, bool) {
	if interScale < outScale {
		// Widen further; can overflow the 128-bit intermediate only for
		// absurd scales, treated as saturation.
		up := interScale
		for up < outScale {
			var c uint64
			hi, c = bits.Mul64(hi, 10)
			if c != 0 {
				return Value{M: saturatedSign(neg), S: uint8(outScale)}, false
			}
			h2, l2 := bits.Mul64(lo, 10)
			lo = l2
			hi += h2
			up++
		}
	} else if interScale > outScale {
		diff := interScale - outScale
		for diff > 0 {
			step := diff
			if step > MaxScale {
				step = MaxScale
			}
			den := pow10[step]
			if hi >= den {
				// Divide 128 by 64 in two halves.
				qHi := hi / den
				rHi := hi % den
				qLo, rem := bits.Div64(rHi, lo, den)
				hi, lo = qHi, qLo
				if diff == step && mode == RoundHalfEven {
					lo = roundQuotient(lo, rem, den, mode)
				}
			} else {
				q, rem := bits.Div64(hi, lo, den)
				hi, lo = 0, q
				if diff == step && mode == RoundHalfEven {
					lo = roundQuotient(lo, rem, den, mode)
				}
			}
			diff -= step
		}
	}
	if hi != 0 || lo > math.MaxInt64 {
		return Value{M: saturatedSign(neg), S: uint8(outScale)}, false
	}
	m := int64(lo)
	if neg {
		m = -m
	}
	return Value{M: m, S: uint8(outScale)}, true
}

// roundQuotient applies the rounding mode given quotient, remainder, divisor
func roundQuotient(q, r, den uint64, mode RoundMode) uint64 {
	if mode != RoundHalfEven || r == 0 {
		return q
	}
	twice := r * 2
	if twice > den || (twice == den && q&1 == 1) {
		return q + 1
	}
	return q
}

// normalize2 brings two values to their common (larger) scale, saturating
func normalize2(a, b Value) (Value, Value, uint8) {
	if a.S == b.S {
		return a, b, a.S
	}
	if a.S < b.S {
		a, _ = Rescale(a, b.S)
		return a, b, b.S
	}
	b, _ = Rescale(b, a.S)
	return a, b, a.S
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

func sign64(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}

func saturated(sample int64) int64 {
	if sample < 0 {
		return math.MinInt64
	}
	return math.MaxInt64
}

func saturatedSign(neg bool) int64 {
	if neg {
		return math.MinInt64
	}
	return math.MaxInt64
}
