// Package estimate converts raw channel-state reports into transmission
// rate estimates. The computation is pure integer arithmetic so that the
// same report bytes always produce the same rate, on every platform.
package estimate

import (
	"encoding/binary"
	"errors"
	"math"
	"math/bits"
)

// ErrInvalidReport indicates a malformed channel-state payload.
// The submission is rejected and no state changes.
var ErrInvalidReport = errors.New("invalid channel report")

const (
	// minReportSize is the minimum channel report length in bytes.
	// The first 8 bytes carry the scaled SNR; anything shorter is malformed.
	minReportSize = 8

	// nominalBandwidth is the nominal channel bandwidth in rate units.
	nominalBandwidth = 1000

	// snrScale is the fixed-point scale of the reported SNR (SNR × 1e6).
	snrScale = 1_000_000

	// rateDenominator approximates ln2 × the rate-unit factor as an integer:
	// ln2 ≈ 693/1000, times 1000. Calibrated; do not "fix" the rounding.
	rateDenominator = 693 * 1000
)

// Estimate computes the transmission rate for a channel report.
//
// The first 8 bytes are a big-endian unsigned integer holding the
// signal-to-noise ratio scaled by 1e6. A zero SNR is clamped to the scale
// factor itself so a degenerate but well-formed report never estimates a
// zero rate. The result is rounded half-up:
//
//	rate = (bandwidth*snrScaled + den/2) / den
//
// Returns ErrInvalidReport if the report is shorter than 8 bytes.
func Estimate(report []byte) (uint64, error) {
	if len(report) < minReportSize {
		return 0, ErrInvalidReport
	}

	snrScaled := binary.BigEndian.Uint64(report[:minReportSize])
	if snrScaled == 0 {
		snrScaled = snrScale
	}

	numerator := saturatingMul(nominalBandwidth, snrScaled)
	numerator = saturatingAdd(numerator, rateDenominator/2)

	return numerator / rateDenominator, nil
}

// saturatingMul returns a × b, capping at MaxUint64 on overflow.
// A hostile report with a huge SNR saturates instead of wrapping to a
// small rate.
func saturatingMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}

	hi, lo := bits.Mul64(a, b)
	if hi > 0 {
		return math.MaxUint64
	}

	return lo
}

// saturatingAdd returns a + b, capping at MaxUint64 on overflow.
func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return math.MaxUint64
	}

	return sum
}
