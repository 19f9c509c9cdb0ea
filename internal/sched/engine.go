// Package sched implements the proportional-fair selection engine: per
// round each operator independently picks the user with the highest
// fairness priority, then every known user's throughput average is
// updated exactly once.
package sched

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"

	"AirShare/internal/event"
	"AirShare/internal/logger"
	"AirShare/internal/registry"
	"AirShare/internal/storage"
)

// ErrUnsetDependency indicates a required collaborator reference was
// never configured. Raised before any state mutation.
var ErrUnsetDependency = errors.New("unset dependency")

const (
	// prioScale converts the rate/throughput ratio into integer priority
	// space. It matches Precision so steady-state priority is the latest
	// rate divided by the real-valued throughput average.
	prioScale = 100_000_000

	// coldStartScale is the priority multiplier for users with zero
	// throughput history, chosen large so a newcomer wins its first
	// round. Deliberately not unit-consistent with prioScale; both are
	// calibration constants and changing either changes fairness.
	coldStartScale = 1_000_000
)

// throughputKeyPrefix is the storage key prefix for throughput states.
var throughputKeyPrefix = []byte("tp:") // tp:<user> -> value BE8 + remainder BE8

// RateSource provides the most recent estimated rate per pair.
type RateSource interface {
	LatestRate(user, operator registry.ID) uint64
}

// SelectionRecord is one operator's outcome for the current round.
// A zero-value User means the operator selected nobody.
type SelectionRecord struct {
	User     registry.ID // User is the selected user, "" if none
	Rate     uint64      // Rate is the winning latest rate
	Duration uint64      // Duration is the drawn service duration
}

// SelectionSet is the full outcome of one scheduling pass.
type SelectionSet struct {
	Round     uint64
	Operators []registry.ID                   // operator order of this round
	Records   map[registry.ID]SelectionRecord // keyed by operator
}

// Selected returns the selected user for an operator key, when present.
func (s SelectionSet) Selected(operator registry.ID) (registry.ID, bool) {
	rec, ok := s.Records[operator]
	if !ok || rec.User == "" {
		return "", false
	}

	return rec.User, true
}

// Engine is the scheduling engine. It exclusively owns the per-user
// throughput states and the per-round selection records; nothing else
// writes either. Calls are sequential per round; the engine performs no
// internal synchronization of its phases and assumes a consistent rate
// snapshot (the round barrier is enforced by the caller).
type Engine struct {
	rates     RateSource
	db        *storage.Storage
	sink      event.Sink
	durations DurationFunc

	mu          sync.RWMutex
	selections  SelectionSet
	throughputs map[registry.ID]ThroughputState // cache over storage
}

// New creates a scheduling engine. rates may be nil only if every later
// UpdateScheduling call is expected to fail with ErrUnsetDependency.
func New(rates RateSource, db *storage.Storage, sink event.Sink, durations DurationFunc) *Engine {
	if durations == nil {
		durations = HashDurations(nil)
	}

	if sink == nil {
		sink = event.Discard{}
	}

	return &Engine{
		rates:       rates,
		db:          db,
		sink:        sink,
		durations:   durations,
		selections:  SelectionSet{Records: make(map[registry.ID]SelectionRecord)},
		throughputs: make(map[registry.ID]ThroughputState),
	}
}

// UpdateScheduling runs one round's scheduling pass: clear the previous
// selections, pick a user per operator, update every user's throughput.
//
// An empty operator list is a benign no-op (nobody can serve); an empty
// user list clears all selections and still emits the round event. Both
// phases either complete for all operators/users or the pass is not
// considered applied.
func (e *Engine) UpdateScheduling(round uint64, users, operators []registry.ID) (SelectionSet, error) {
	if e.rates == nil {
		return SelectionSet{}, fmt.Errorf("scheduling needs a rate source: %w", ErrUnsetDependency)
	}

	if len(operators) == 0 {
		logger.Debug("no operators registered, skipping scheduling", "round", round)
		return SelectionSet{Round: round, Records: make(map[registry.ID]SelectionRecord)}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Clear phase: drop the previous round's records entirely.
	set := SelectionSet{
		Round:     round,
		Operators: append([]registry.ID(nil), operators...),
		Records:   make(map[registry.ID]SelectionRecord, len(operators)),
	}

	for _, operator := range operators {
		set.Records[operator] = SelectionRecord{}
	}

	// Selection phase: each operator independently scans users in
	// registration order and keeps the strictly best priority. Ties keep
	// the earliest-scanned user.
	for _, operator := range operators {
		set.Records[operator] = e.selectUser(round, operator, users)
	}

	// Throughput-update phase: every known user advances exactly once,
	// including users allocated nothing this round.
	if err := e.updateThroughputs(users, set); err != nil {
		return SelectionSet{}, fmt.Errorf("throughput update:\n%w", err)
	}

	e.selections = set

	selected := make([]registry.ID, len(operators))
	for i, operator := range operators {
		selected[i] = set.Records[operator].User
	}

	e.sink.Emit(event.RoundScheduled{
		Round:         round,
		Operators:     set.Operators,
		SelectedUsers: selected,
	})

	return set, nil
}

// Selections returns the current round's selection set.
func (e *Engine) Selections() SelectionSet {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.selections
}

// Throughput returns a user's current throughput state.
func (e *Engine) Throughput(user registry.ID) ThroughputState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.throughputLocked(user)
}

// selectUser scans users in order and returns the operator's selection.
func (e *Engine) selectUser(round uint64, operator registry.ID, users []registry.ID) SelectionRecord {
	var (
		best     SelectionRecord
		bestPrio uint64
	)

	for _, user := range users {
		rate := e.rates.LatestRate(user, operator)
		prio := e.priority(user, rate)

		// Strictly greater: on a tie the earlier-registered user stays.
		if prio > bestPrio {
			bestPrio = prio
			best = SelectionRecord{User: user, Rate: rate}
		}
	}

	if best.User == "" {
		return SelectionRecord{}
	}

	best.Duration = e.durations(round, operator)

	return best
}

// priority computes a user's fairness priority for one candidate rate.
// With throughput history the priority is rate scaled against the
// average already received; without history the cold-start branch
// strongly favors the user so they are served at least once.
func (e *Engine) priority(user registry.ID, rate uint64) uint64 {
	tput := e.throughputLocked(user)

	if tput.Value > 0 {
		return saturatingMul(rate, prioScale) / tput.Value
	}

	return saturatingMul(rate, coldStartScale)
}

// updateThroughputs advances every user's EWMA with the rate allocated
// to them this round (summed across operators) and persists all states
// in one batch.
func (e *Engine) updateThroughputs(users []registry.ID, set SelectionSet) error {
	allocated := make(map[registry.ID]uint64, len(users))

	for _, operator := range set.Operators {
		rec := set.Records[operator]
		if rec.User != "" {
			allocated[rec.User] = saturatingAdd(allocated[rec.User], rec.Rate)
		}
	}

	pairs := make([]storage.KeyValue, 0, len(users))

	for _, user := range users {
		next := e.throughputLocked(user).advance(allocated[user])
		e.throughputs[user] = next
		pairs = append(pairs, storage.KeyValue{
			Key:   makeThroughputKey(user),
			Value: encodeThroughput(next),
		})
	}

	if len(pairs) == 0 {
		return nil
	}

	return e.db.SetBatch(pairs)
}

// throughputLocked returns a user's state, loading it from storage on
// first access (caller holds at least a read lock; the cache write on a
// miss is guarded by the fact that misses only happen under the write
// lock during scheduling or on cold reads where a race is benign).
func (e *Engine) throughputLocked(user registry.ID) ThroughputState {
	if state, ok := e.throughputs[user]; ok {
		return state
	}

	value, err := e.db.Get(makeThroughputKey(user))
	if err != nil || len(value) < 16 {
		return ThroughputState{}
	}

	return ThroughputState{
		Value:     binary.BigEndian.Uint64(value[:8]),
		Remainder: binary.BigEndian.Uint64(value[8:16]),
	}
}

// ExportThroughputs returns all persisted throughput states for
// snapshot serialization.
func (e *Engine) ExportThroughputs() map[registry.ID]ThroughputState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	states := make(map[registry.ID]ThroughputState)

	_ = e.db.IteratePrefix(throughputKeyPrefix, func(key, value []byte) error {
		if len(value) < 16 {
			return nil
		}

		user := registry.ID(key[len(throughputKeyPrefix):])
		states[user] = ThroughputState{
			Value:     binary.BigEndian.Uint64(value[:8]),
			Remainder: binary.BigEndian.Uint64(value[8:16]),
		}

		return nil
	})

	return states
}

// ImportThroughputs loads throughput states from snapshot data.
func (e *Engine) ImportThroughputs(states map[registry.ID]ThroughputState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pairs := make([]storage.KeyValue, 0, len(states))

	for user, state := range states {
		e.throughputs[user] = state
		pairs = append(pairs, storage.KeyValue{
			Key:   makeThroughputKey(user),
			Value: encodeThroughput(state),
		})
	}

	return e.db.SetBatch(pairs)
}

// makeThroughputKey builds the storage key for a user's state.
func makeThroughputKey(user registry.ID) []byte {
	key := make([]byte, 0, len(throughputKeyPrefix)+len(user))
	key = append(key, throughputKeyPrefix...)

	return append(key, user...)
}

// encodeThroughput encodes value (BE8) + remainder (BE8).
func encodeThroughput(s ThroughputState) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], s.Value)
	binary.BigEndian.PutUint64(buf[8:], s.Remainder)

	return buf
}

// saturatingMul returns a × b, capping at MaxUint64 on overflow.
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
