package sched

import (
	"errors"
	"path/filepath"
	"testing"

	"AirShare/internal/event"
	"AirShare/internal/registry"
	"AirShare/internal/storage"
)

// rateMap is a RateSource backed by a map keyed by "user/operator".
type rateMap map[string]uint64

func (r rateMap) LatestRate(user, operator registry.ID) uint64 {
	return r[string(user)+"/"+string(operator)]
}

// newTestEngine creates an engine with the given rates, a recorder sink
// and a fixed duration of 40.
func newTestEngine(t *testing.T, rates rateMap) (*Engine, *event.Recorder) {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	rec := event.NewRecorder()

	return New(rates, db, rec, FixedDuration(40)), rec
}

func TestHigherPriorityWins(t *testing.T) {
	e, _ := newTestEngine(t, rateMap{
		"userA/op1": 500,
		"userB/op1": 200,
	})

	set, err := e.UpdateScheduling(1, []registry.ID{"userA", "userB"}, []registry.ID{"op1"})
	if err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	rec := set.Records["op1"]
	if rec.User != "userA" {
		t.Errorf("selected %q, want userA", rec.User)
	}

	if rec.Rate != 500 {
		t.Errorf("allocated rate = %d, want 500", rec.Rate)
	}
}

func TestTieKeepsEarlierRegisteredUser(t *testing.T) {
	e, _ := newTestEngine(t, rateMap{
		"userA/op1": 300,
		"userB/op1": 300,
	})

	set, err := e.UpdateScheduling(1, []registry.ID{"userA", "userB"}, []registry.ID{"op1"})
	if err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	if got := set.Records["op1"].User; got != "userA" {
		t.Errorf("tie selected %q, want userA (earlier registered)", got)
	}

	// Same rates, reversed registration order: the other user wins.
	e2, _ := newTestEngine(t, rateMap{
		"userA/op1": 300,
		"userB/op1": 300,
	})

	set, err = e2.UpdateScheduling(1, []registry.ID{"userB", "userA"}, []registry.ID{"op1"})
	if err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	if got := set.Records["op1"].User; got != "userB" {
		t.Errorf("tie selected %q, want userB (earlier registered)", got)
	}
}

func TestZeroRatesSelectNobody(t *testing.T) {
	e, _ := newTestEngine(t, rateMap{})

	set, err := e.UpdateScheduling(1, []registry.ID{"userA", "userB"}, []registry.ID{"op1"})
	if err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	if user, ok := set.Selected("op1"); ok {
		t.Errorf("selected %q with all-zero rates, want none", user)
	}
}

func TestColdStartFavorsNewUser(t *testing.T) {
	rates := rateMap{
		"veteran/op1": 1_000_000,
		"newbie/op1":  10,
	}

	e, _ := newTestEngine(t, rates)
	users := []registry.ID{"veteran", "newbie"}
	operators := []registry.ID{"op1"}

	// Round 1: both users are cold; the veteran's far higher rate wins.
	set, err := e.UpdateScheduling(1, users, operators)
	if err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	if got := set.Records["op1"].User; got != "veteran" {
		t.Fatalf("round 1 selected %q, want veteran", got)
	}

	// Round 2: the veteran now carries throughput history while the
	// newbie is still cold, so the cold-start branch lifts the newbie
	// above the veteran despite a 100000x lower rate.
	set, err = e.UpdateScheduling(2, users, operators)
	if err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	if got := set.Records["op1"].User; got != "newbie" {
		t.Errorf("round 2 selected %q, want newbie (cold start)", got)
	}
}

func TestEmptyOperatorsIsNoOp(t *testing.T) {
	e, rec := newTestEngine(t, rateMap{"userA/op1": 100})

	set, err := e.UpdateScheduling(1, []registry.ID{"userA"}, nil)
	if err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	if len(set.Records) != 0 {
		t.Errorf("no-op pass produced %d records, want 0", len(set.Records))
	}

	if events := rec.Events(); len(events) != 0 {
		t.Errorf("no-op pass emitted %d events, want 0", len(events))
	}

	if got := e.Throughput("userA"); got.Value != 0 || got.Remainder != 0 {
		t.Errorf("no-op pass touched throughput: %+v", got)
	}
}

func TestEmptyUsersClearsSelections(t *testing.T) {
	e, rec := newTestEngine(t, rateMap{"userA/op1": 100})

	if _, err := e.UpdateScheduling(1, []registry.ID{"userA"}, []registry.ID{"op1"}); err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	set, err := e.UpdateScheduling(2, nil, []registry.ID{"op1"})
	if err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	if user, ok := set.Selected("op1"); ok {
		t.Errorf("empty user list still selected %q", user)
	}

	scheduled := rec.ByKind("RoundScheduled")
	if len(scheduled) != 2 {
		t.Fatalf("got %d RoundScheduled events, want 2", len(scheduled))
	}

	e2 := scheduled[1].(event.RoundScheduled)
	if len(e2.SelectedUsers) != 1 || e2.SelectedUsers[0] != "" {
		t.Errorf("round 2 selected users = %v, want one empty entry", e2.SelectedUsers)
	}
}

func TestUnsetRateSourceFails(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer db.Close()

	e := New(nil, db, nil, nil)

	_, err = e.UpdateScheduling(1, []registry.ID{"userA"}, []registry.ID{"op1"})
	if !errors.Is(err, ErrUnsetDependency) {
		t.Errorf("error = %v, want ErrUnsetDependency", err)
	}
}

func TestSelectionOverwrittenEachRound(t *testing.T) {
	rates := rateMap{"userA/op1": 100, "userB/op2": 200}
	e, _ := newTestEngine(t, rates)

	users := []registry.ID{"userA", "userB"}

	if _, err := e.UpdateScheduling(1, users, []registry.ID{"op1", "op2"}); err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	// op2 disappears in round 2; its old record must not linger.
	set, err := e.UpdateScheduling(2, users, []registry.ID{"op1"})
	if err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	if _, ok := set.Records["op2"]; ok {
		t.Error("stale op2 record survived the clear phase")
	}

	if got := e.Selections().Round; got != 2 {
		t.Errorf("current selection round = %d, want 2", got)
	}
}

func TestRoundScheduledEventOrder(t *testing.T) {
	rates := rateMap{
		"u1/op1": 100,
		"u2/op1": 900,
		"u3/op2": 100,
		"u4/op2": 900,
	}

	e, rec := newTestEngine(t, rates)

	users := []registry.ID{"u1", "u2", "u3", "u4"}
	operators := []registry.ID{"op1", "op2"}

	if _, err := e.UpdateScheduling(1, users, operators); err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	events := rec.ByKind("RoundScheduled")
	if len(events) != 1 {
		t.Fatalf("got %d RoundScheduled events, want 1", len(events))
	}

	scheduled := events[0].(event.RoundScheduled)

	wantUsers := []registry.ID{"u2", "u4"}
	for i, op := range operators {
		if scheduled.Operators[i] != op {
			t.Errorf("Operators[%d] = %q, want %q", i, scheduled.Operators[i], op)
		}
		if scheduled.SelectedUsers[i] != wantUsers[i] {
			t.Errorf("SelectedUsers[%d] = %q, want %q", i, scheduled.SelectedUsers[i], wantUsers[i])
		}
	}
}

func TestThroughputPersists(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer db.Close()

	rates := rateMap{"userA/op1": 1000}

	e := New(rates, db, nil, FixedDuration(40))

	if _, err := e.UpdateScheduling(1, []registry.ID{"userA"}, []registry.ID{"op1"}); err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	want := e.Throughput("userA")
	if want.Value == 0 {
		t.Fatal("throughput not updated")
	}

	// A fresh engine over the same storage sees the same state.
	restored := New(rates, db, nil, FixedDuration(40))

	if got := restored.Throughput("userA"); got != want {
		t.Errorf("restored throughput = %+v, want %+v", got, want)
	}
}

func TestHashDurationsInRange(t *testing.T) {
	durations := HashDurations([]byte("salt"))

	seen := make(map[uint64]bool)

	for round := uint64(0); round < 200; round++ {
		d := durations(round, "op1")
		if d < 35 || d > 50 {
			t.Fatalf("duration %d outside [35, 50]", d)
		}
		seen[d] = true
	}

	if len(seen) < 4 {
		t.Errorf("only %d distinct durations over 200 rounds, want some spread", len(seen))
	}
}

func TestHashDurationsReproducible(t *testing.T) {
	a := HashDurations([]byte("salt"))
	b := HashDurations([]byte("salt"))

	for round := uint64(0); round < 50; round++ {
		if a(round, "op1") != b(round, "op1") {
			t.Fatalf("same salt diverged at round %d", round)
		}
	}
}
