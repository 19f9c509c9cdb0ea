package sched

import (
	"math"
	"math/bits"
)

const (
	// Alpha is the EWMA smoothing divisor: each round the new allocation
	// sample gets weight 1/Alpha and history keeps (Alpha-1)/Alpha.
	Alpha = 10_000

	// Precision is the fixed-point scale of throughput values (1e8).
	Precision = 100_000_000
)

// ThroughputState is one user's exponentially averaged allocated rate,
// in Precision fixed-point, with the integer-division remainder carried
// across rounds. Each update is exact in integer arithmetic; carrying
// the remainder keeps the state within one fixed-point unit of the
// exact rational EWMA regardless of round count, so rounding error
// never accumulates.
type ThroughputState struct {
	Value     uint64 // Value is the fixed-point average (scaled by Precision)
	Remainder uint64 // Remainder is the carried mod-Alpha residue, < Alpha
}

// advance applies one round's allocation to the state:
//
//	numerator = (Alpha-1)*Value + allocated*Precision + Remainder
//	Value'    = numerator / Alpha
//	Remainder'= numerator mod Alpha
//
// The numerator is computed in 128 bits so the update stays exact for
// any uint64 inputs. If the new value itself cannot fit in 64 bits the
// state saturates; that only happens after sustained allocations near
// the uint64 ceiling.
func (s ThroughputState) advance(allocated uint64) ThroughputState {
	hi1, lo1 := bits.Mul64(Alpha-1, s.Value)
	hi2, lo2 := bits.Mul64(allocated, Precision)

	lo, carry := bits.Add64(lo1, lo2, 0)
	hi := hi1 + hi2 + carry

	lo, carry = bits.Add64(lo, s.Remainder, 0)
	hi += carry

	// bits.Div64 requires hi < divisor, i.e. the quotient fits in 64 bits.
	if hi >= Alpha {
		return ThroughputState{Value: math.MaxUint64, Remainder: 0}
	}

	value, remainder := bits.Div64(hi, lo, Alpha)

	return ThroughputState{Value: value, Remainder: remainder}
}
