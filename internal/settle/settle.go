// Package settle bills the (user, operator) pairs selected by the
// scheduling engine. Settlement computes and records costs; actually
// moving value is out of scope and stubbed behind PaymentApplier.
package settle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"AirShare/internal/event"
	"AirShare/internal/logger"
	"AirShare/internal/registry"
	"AirShare/internal/sched"
	"AirShare/internal/storage"
)

// ErrUnsetDependency indicates a required collaborator reference was
// never configured. Raised before any state mutation.
var ErrUnsetDependency = errors.New("unset dependency")

// ErrRateAlreadySet indicates an operator's billing rate was configured
// twice. Rates are set at most once.
var ErrRateAlreadySet = errors.New("operator rate already set")

const (
	// defaultOperatorRate is the billing rate used for operators that
	// never configured one.
	defaultOperatorRate = 87

	// defaultDuration is used when a selection carries no duration.
	defaultDuration = 50

	// serviceBandwidth is the fixed billing bandwidth per service.
	serviceBandwidth = 1000
)

// rateKeyPrefix is the storage key prefix for operator billing rates.
var rateKeyPrefix = []byte("ot:") // ot:<operator> -> rate BE8

// SelectionSource exposes the scheduling engine's current selections.
type SelectionSource interface {
	Selections() sched.SelectionSet
}

// PaymentApplier applies a computed cost to balances. The default
// implementation does nothing: settlement here only computes and
// records, it never moves funds.
type PaymentApplier interface {
	Apply(user, operator registry.ID, cost uint64) error
}

// noopApplier is the default PaymentApplier.
type noopApplier struct{}

func (noopApplier) Apply(registry.ID, registry.ID, uint64) error { return nil }

// SettlementRecord is the billing outcome for one served pair.
type SettlementRecord struct {
	User      registry.ID
	Operator  registry.ID
	Duration  uint64
	Bandwidth uint64
	Cost      uint64
}

// Engine is the settlement engine. It derives settlement records from
// the scheduler's current selections and owns the operator rate table;
// it writes no other persistent state.
type Engine struct {
	selections SelectionSource
	db         *storage.Storage
	sink       event.Sink
	applier    PaymentApplier
}

// New creates a settlement engine reading selections from the given
// source. applier may be nil for the record-only default.
func New(selections SelectionSource, db *storage.Storage, sink event.Sink, applier PaymentApplier) *Engine {
	if sink == nil {
		sink = event.Discard{}
	}

	if applier == nil {
		applier = noopApplier{}
	}

	return &Engine{
		selections: selections,
		db:         db,
		sink:       sink,
		applier:    applier,
	}
}

// ProcessScheduledTransactions settles every (user, operator) pair the
// current selection set marks as served: emits a service notification,
// computes the cost and emits a payment record. Calling it again without
// an intervening scheduling pass re-emits the same records, since the
// selection set is unchanged and no ledger state is touched.
func (e *Engine) ProcessScheduledTransactions(users, operators []registry.ID) ([]SettlementRecord, error) {
	if e.selections == nil {
		return nil, fmt.Errorf("settlement needs a selection source: %w", ErrUnsetDependency)
	}

	set := e.selections.Selections()

	userSet := make(map[registry.ID]struct{}, len(users))
	for _, user := range users {
		userSet[user] = struct{}{}
	}

	var records []SettlementRecord

	for _, operator := range operators {
		user, ok := set.Selected(operator)
		if !ok {
			continue
		}

		// The selection must name a currently registered user.
		if _, known := userSet[user]; !known {
			logger.Warn("selection names unregistered user, skipping",
				"user", user,
				"operator", operator,
			)
			continue
		}

		rec := e.settle(user, operator, set.Records[operator])
		records = append(records, rec)
	}

	return records, nil
}

// settle bills one served pair and emits its two events.
func (e *Engine) settle(user, operator registry.ID, sel sched.SelectionRecord) SettlementRecord {
	duration := sel.Duration
	if duration == 0 {
		duration = defaultDuration
	}

	e.sink.Emit(event.ServiceNotified{
		User:      user,
		Operator:  operator,
		Duration:  duration,
		Bandwidth: serviceBandwidth,
	})

	cost := saturatingMul(saturatingMul(e.OperatorRate(operator), duration), serviceBandwidth)

	if err := e.applier.Apply(user, operator, cost); err != nil {
		// Applying payments is a stub today; a real applier failure is
		// recorded but does not void the settlement record.
		logger.Error("payment apply failed", "user", user, "operator", operator, "error", err)
	}

	e.sink.Emit(event.PaymentProcessed{
		User:     user,
		Operator: operator,
		Cost:     cost,
	})

	return SettlementRecord{
		User:      user,
		Operator:  operator,
		Duration:  duration,
		Bandwidth: serviceBandwidth,
		Cost:      cost,
	}
}

// SetOperatorRate configures an operator's billing rate. A rate can be
// set at most once; later attempts fail with ErrRateAlreadySet.
func (e *Engine) SetOperatorRate(operator registry.ID, rate uint64) error {
	key := makeRateKey(operator)

	existing, err := e.db.Get(key)
	if err != nil {
		return fmt.Errorf("read operator rate:\n%w", err)
	}

	if existing != nil {
		return ErrRateAlreadySet
	}

	if err := e.db.SetUint64(key, rate); err != nil {
		return fmt.Errorf("store operator rate:\n%w", err)
	}

	logger.Info("operator rate set", "operator", operator, "rate", rate)

	return nil
}

// OperatorRate returns an operator's billing rate, falling back to the
// default when never configured.
func (e *Engine) OperatorRate(operator registry.ID) uint64 {
	value, err := e.db.Get(makeRateKey(operator))
	if err != nil || len(value) < 8 {
		return defaultOperatorRate
	}

	return binary.BigEndian.Uint64(value[:8])
}

// ExportRates returns all configured operator rates for snapshots.
func (e *Engine) ExportRates() map[registry.ID]uint64 {
	rates := make(map[registry.ID]uint64)

	_ = e.db.IteratePrefix(rateKeyPrefix, func(key, value []byte) error {
		if len(value) < 8 {
			return nil
		}

		operator := registry.ID(key[len(rateKeyPrefix):])
		rates[operator] = binary.BigEndian.Uint64(value[:8])

		return nil
	})

	return rates
}

// ImportRates loads operator rates from snapshot data.
func (e *Engine) ImportRates(rates map[registry.ID]uint64) error {
	pairs := make([]storage.KeyValue, 0, len(rates))

	for operator, rate := range rates {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, rate)
		pairs = append(pairs, storage.KeyValue{Key: makeRateKey(operator), Value: buf})
	}

	return e.db.SetBatch(pairs)
}

// makeRateKey builds the storage key for an operator's billing rate.
func makeRateKey(operator registry.ID) []byte {
	key := make([]byte, 0, len(rateKeyPrefix)+len(operator))
	key = append(key, rateKeyPrefix...)

	return append(key, operator...)
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
