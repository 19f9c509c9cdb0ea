// Package round drives the per-round pipeline: an open collecting phase
// accepting concurrent report submissions, a synchronization point, then
// the scheduling and settlement phases applied as one unit. The barrier
// guarantees scheduling always reads a consistent snapshot of the
// ledger.
package round

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"AirShare/internal/ledger"
	"AirShare/internal/logger"
	"AirShare/internal/registry"
	"AirShare/internal/sched"
	"AirShare/internal/settle"
	"AirShare/internal/storage"
)

// ErrUnsetDependency indicates the controller was built without one of
// its collaborators.
var ErrUnsetDependency = errors.New("unset dependency")

// ErrNotRegistered indicates a report submission named an identifier
// the registration service does not know.
var ErrNotRegistered = errors.New("identifier not registered")

// metaRoundKey persists the last completed round index.
var metaRoundKey = []byte("md:round")

// Result is the outcome of one completed round.
type Result struct {
	Round       uint64
	Selections  sched.SelectionSet
	Settlements []settle.SettlementRecord
}

// Controller owns the round barrier. Submissions hold the shared side
// of the lock, so any number may interleave; AdvanceRound takes the
// exclusive side, which drains all in-flight submissions before the
// scheduling phase reads the ledger.
type Controller struct {
	db     *storage.Storage
	reg    *registry.Service
	led    *ledger.Ledger
	sched  *sched.Engine
	settle *settle.Engine

	mu    sync.RWMutex
	round uint64 // last completed round, persisted
}

// New wires a controller from its collaborators and restores the round
// index from storage. All references are required.
func New(db *storage.Storage, reg *registry.Service, led *ledger.Ledger, schedEngine *sched.Engine, settleEngine *settle.Engine) (*Controller, error) {
	if db == nil || reg == nil || led == nil || schedEngine == nil || settleEngine == nil {
		return nil, fmt.Errorf("round controller wiring incomplete: %w", ErrUnsetDependency)
	}

	c := &Controller{
		db:     db,
		reg:    reg,
		led:    led,
		sched:  schedEngine,
		settle: settleEngine,
		round:  db.GetUint64(metaRoundKey),
	}

	if c.round > 0 {
		logger.Info("round index restored", "round", c.round)
	}

	return c, nil
}

// Round returns the last completed round index.
func (c *Controller) Round() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.round
}

// SubmitReport records a channel report during the collecting phase.
// Any number of submissions may run concurrently; each either fully
// lands before the next round executes or arrives after it, never
// halfway. Unknown identifiers are rejected.
func (c *Controller) SubmitReport(user, operator registry.ID, report []byte) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.reg.IsUser(user) {
		return 0, fmt.Errorf("user %q: %w", user, ErrNotRegistered)
	}

	if !c.reg.IsOperator(operator) {
		return 0, fmt.Errorf("operator %q: %w", operator, ErrNotRegistered)
	}

	return c.led.Submit(user, operator, report)
}

// AdvanceRound seals the collecting phase and runs one round: the
// scheduling pass, then the settlement pass, as a unit. A failed phase
// abandons the round — the round index does not advance and the error
// names the phase; the driver may retry from scratch.
func (c *Controller) AdvanceRound() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	next := c.round + 1
	log := logger.With("round", next)

	users := c.reg.Users()
	operators := c.reg.Operators()

	set, err := c.sched.UpdateScheduling(next, users, operators)
	if err != nil {
		log.Error("round abandoned", "phase", "scheduling", "error", err)
		return Result{}, fmt.Errorf("round %d scheduling phase:\n%w", next, err)
	}

	settlements, err := c.settle.ProcessScheduledTransactions(users, operators)
	if err != nil {
		log.Error("round abandoned", "phase", "settlement", "error", err)
		return Result{}, fmt.Errorf("round %d settlement phase:\n%w", next, err)
	}

	if err := c.db.SetUint64(metaRoundKey, next); err != nil {
		log.Error("round abandoned", "phase", "commit", "error", err)
		return Result{}, fmt.Errorf("round %d commit phase:\n%w", next, err)
	}

	c.round = next

	log.Info("round completed",
		"operators", len(operators),
		"users", len(users),
		"settled", len(settlements),
		logger.Timed(start),
	)

	return Result{Round: next, Selections: set, Settlements: settlements}, nil
}
