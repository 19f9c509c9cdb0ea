package snap

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"AirShare/internal/event"
	"AirShare/internal/ledger"
	"AirShare/internal/registry"
	"AirShare/internal/sched"
	"AirShare/internal/settle"
	"AirShare/internal/storage"
)

// testNode bundles the collaborators snapshots operate on.
type testNode struct {
	reg    *registry.Service
	led    *ledger.Ledger
	sched  *sched.Engine
	settle *settle.Engine
}

// newTestNode wires collaborators over a fresh temp storage.
func newTestNode(t *testing.T) *testNode {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	reg, err := registry.New(db)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	led := ledger.New(db, event.Discard{})
	schedEngine := sched.New(led, db, nil, sched.FixedDuration(40))
	settleEngine := settle.New(schedEngine, db, nil, nil)

	return &testNode{reg: reg, led: led, sched: schedEngine, settle: settleEngine}
}

// reportWithSNR builds an 8-byte report carrying the given scaled SNR.
func reportWithSNR(snrScaled uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, snrScaled)
	return buf
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := newTestNode(t)

	src.reg.AddUser("u1")
	src.reg.AddUser("u2")
	src.reg.AddOperator("op1")

	if _, err := src.led.Submit("u1", "op1", reportWithSNR(5_000_000)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := src.sched.UpdateScheduling(1, src.reg.Users(), src.reg.Operators()); err != nil {
		t.Fatalf("UpdateScheduling failed: %v", err)
	}

	if err := src.settle.SetOperatorRate("op1", 120); err != nil {
		t.Fatalf("SetOperatorRate failed: %v", err)
	}

	blob, err := Create(1, src.reg, src.led, src.sched, src.settle)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dst := newTestNode(t)

	round, err := Restore(blob, dst.reg, dst.led, dst.sched, dst.settle)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if round != 1 {
		t.Errorf("restored round = %d, want 1", round)
	}

	users := dst.reg.Users()
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Errorf("restored users = %v", users)
	}

	if got, want := dst.led.LatestRate("u1", "op1"), src.led.LatestRate("u1", "op1"); got != want {
		t.Errorf("restored latest rate = %d, want %d", got, want)
	}

	if got, want := dst.sched.Throughput("u1"), src.sched.Throughput("u1"); got != want {
		t.Errorf("restored throughput = %+v, want %+v", got, want)
	}

	if got := dst.settle.OperatorRate("op1"); got != 120 {
		t.Errorf("restored operator rate = %d, want 120", got)
	}
}

func TestRestoreRejectsCorruption(t *testing.T) {
	src := newTestNode(t)
	src.reg.AddUser("u1")

	blob, err := Create(1, src.reg, src.led, src.sched, src.settle)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Flip one payload byte: the checksum must catch it.
	corrupted := append([]byte(nil), blob...)
	corrupted[len(corrupted)-1] ^= 0xFF

	dst := newTestNode(t)

	if _, err := Restore(corrupted, dst.reg, dst.led, dst.sched, dst.settle); err == nil {
		t.Error("Restore accepted a corrupted snapshot")
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	dst := newTestNode(t)

	for _, blob := range [][]byte{nil, []byte("short"), make([]byte, 64)} {
		if _, err := Restore(blob, dst.reg, dst.led, dst.sched, dst.settle); err == nil {
			t.Errorf("Restore accepted %d-byte garbage", len(blob))
		}
	}
}

func TestRestoreRejectsWrongVersion(t *testing.T) {
	src := newTestNode(t)

	blob, err := Create(0, src.reg, src.led, src.sched, src.settle)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	blob[len(magic)] = 99

	dst := newTestNode(t)

	if _, err := Restore(blob, dst.reg, dst.led, dst.sched, dst.settle); err == nil {
		t.Error("Restore accepted an unsupported version")
	}
}
