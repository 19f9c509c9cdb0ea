package sched

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"AirShare/internal/registry"
)

const (
	// durationLower is the inclusive lower bound of service durations.
	durationLower = 35

	// durationRange is the width of the duration range; durations fall
	// in [durationLower, durationLower+durationRange-1] = [35, 50].
	durationRange = 16
)

// DurationFunc picks the service duration for an operator's selection in
// a given round. The policy is a scheduling knob, not a correctness
// concern: any reproducible source in [35, 50] is acceptable.
type DurationFunc func(round uint64, operator registry.ID) uint64

// HashDurations returns the default duration policy: a salted blake3
// hash of the round and operator, reduced into [35, 50]. The same salt
// reproduces the same durations, so runs can be replayed.
func HashDurations(salt []byte) DurationFunc {
	return func(round uint64, operator registry.ID) uint64 {
		buf := make([]byte, 0, len(salt)+8+len(operator))
		buf = append(buf, salt...)
		buf = binary.BigEndian.AppendUint64(buf, round)
		buf = append(buf, operator...)

		sum := blake3.Sum256(buf)

		return durationLower + binary.BigEndian.Uint64(sum[:8])%durationRange
	}
}

// FixedDuration returns a policy that always picks d. Used by tests to
// pin exact durations.
func FixedDuration(d uint64) DurationFunc {
	return func(uint64, registry.ID) uint64 {
		return d
	}
}
