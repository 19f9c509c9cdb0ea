package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"AirShare/internal/estimate"
	"AirShare/internal/event"
	"AirShare/internal/registry"
	"AirShare/internal/storage"
)

// newTestLedger creates a ledger with a recorder sink and temp storage.
func newTestLedger(t *testing.T) (*Ledger, *event.Recorder) {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	rec := event.NewRecorder()

	return New(db, rec), rec
}

// reportWithSNR builds an 8-byte report carrying the given scaled SNR.
func reportWithSNR(snrScaled uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, snrScaled)
	return buf
}

func TestLatestRateBootstrap(t *testing.T) {
	l, _ := newTestLedger(t)

	if got := l.LatestRate("u1", "op1"); got != 0 {
		t.Errorf("LatestRate with no submissions = %d, want 0", got)
	}
}

func TestSubmitReturnsEstimate(t *testing.T) {
	l, _ := newTestLedger(t)

	rate, err := l.Submit("u1", "op1", reportWithSNR(1_000_000))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if rate != 1443 {
		t.Errorf("Submit rate = %d, want 1443", rate)
	}

	if got := l.LatestRate("u1", "op1"); got != 1443 {
		t.Errorf("LatestRate = %d, want 1443", got)
	}
}

func TestSubmitInvalidReportChangesNothing(t *testing.T) {
	l, rec := newTestLedger(t)

	_, err := l.Submit("u1", "op1", []byte{1, 2, 3})
	if !errors.Is(err, estimate.ErrInvalidReport) {
		t.Fatalf("Submit error = %v, want ErrInvalidReport", err)
	}

	if got := l.LatestRate("u1", "op1"); got != 0 {
		t.Errorf("LatestRate after rejected submit = %d, want 0", got)
	}

	if events := rec.Events(); len(events) != 0 {
		t.Errorf("rejected submit emitted %d events, want 0", len(events))
	}

	if history := l.History("u1", "op1"); len(history) != 0 {
		t.Errorf("rejected submit appended %d history records, want 0", len(history))
	}
}

func TestLatestRateIsNthSubmission(t *testing.T) {
	l, _ := newTestLedger(t)

	snrs := []uint64{5_000_000, 1_000_000, 9_000_000, 2_000_000}

	var lastRate uint64

	for _, snr := range snrs {
		rate, err := l.Submit("u1", "op1", reportWithSNR(snr))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		lastRate = rate
	}

	if got := l.LatestRate("u1", "op1"); got != lastRate {
		t.Errorf("LatestRate = %d, want %d (the last submission)", got, lastRate)
	}

	history := l.History("u1", "op1")
	if len(history) != len(snrs) {
		t.Fatalf("History has %d records, want %d", len(history), len(snrs))
	}

	if history[len(history)-1].Rate != lastRate {
		t.Errorf("last history rate = %d, want %d", history[len(history)-1].Rate, lastRate)
	}
}

func TestPairsAreIndependent(t *testing.T) {
	l, _ := newTestLedger(t)

	if _, err := l.Submit("u1", "op1", reportWithSNR(1_000_000)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if got := l.LatestRate("u1", "op2"); got != 0 {
		t.Errorf("LatestRate for untouched pair = %d, want 0", got)
	}

	if got := l.LatestRate("u2", "op1"); got != 0 {
		t.Errorf("LatestRate for untouched pair = %d, want 0", got)
	}
}

func TestPairKeysDoNotCollide(t *testing.T) {
	l, _ := newTestLedger(t)

	// ("u", "op") and ("u", "opX") must have disjoint histories even
	// though one operator ID extends the other.
	if _, err := l.Submit("u", "op", reportWithSNR(1_000_000)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := l.Submit("u", "opX", reportWithSNR(2_000_000)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if got := len(l.History("u", "op")); got != 1 {
		t.Errorf("History(u, op) has %d records, want 1", got)
	}

	if got := len(l.History("u", "opX")); got != 1 {
		t.Errorf("History(u, opX) has %d records, want 1", got)
	}
}

func TestSubmitEmitsReportRecorded(t *testing.T) {
	l, rec := newTestLedger(t)

	fixed := time.Unix(1700000000, 123)
	l.SetClock(func() time.Time { return fixed })

	if _, err := l.Submit("u1", "op1", reportWithSNR(1_000_000)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	e, ok := events[0].(event.ReportRecorded)
	if !ok {
		t.Fatalf("event type = %T, want ReportRecorded", events[0])
	}

	if e.User != "u1" || e.Operator != "op1" || e.Rate != 1443 {
		t.Errorf("unexpected event contents: %+v", e)
	}

	if !e.Timestamp.Equal(fixed) {
		t.Errorf("event timestamp = %v, want %v", e.Timestamp, fixed)
	}
}

func TestConcurrentSubmitsDifferentPairs(t *testing.T) {
	l, _ := newTestLedger(t)

	const pairs = 16
	const perPair = 25

	var wg sync.WaitGroup

	for p := 0; p < pairs; p++ {
		wg.Add(1)

		go func(p int) {
			defer wg.Done()

			user := registry.ID(fmt.Sprintf("u%d", p))
			operator := registry.ID(fmt.Sprintf("op%d", p))

			for i := 0; i < perPair; i++ {
				if _, err := l.Submit(user, operator, reportWithSNR(uint64(p+1)*1_000_000)); err != nil {
					t.Errorf("Submit failed: %v", err)
					return
				}
			}
		}(p)
	}

	wg.Wait()

	for p := 0; p < pairs; p++ {
		user := registry.ID(fmt.Sprintf("u%d", p))
		operator := registry.ID(fmt.Sprintf("op%d", p))

		if got := len(l.History(user, operator)); got != perPair {
			t.Errorf("History(%s, %s) has %d records, want %d", user, operator, got, perPair)
		}
	}
}

func TestExportImportLatest(t *testing.T) {
	l, _ := newTestLedger(t)

	if _, err := l.Submit("u1", "op1", reportWithSNR(1_000_000)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := l.Submit("u2", "op2", reportWithSNR(2_000_000)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	entries := l.ExportLatest()
	if len(entries) != 2 {
		t.Fatalf("ExportLatest returned %d entries, want 2", len(entries))
	}

	restored, _ := newTestLedger(t)

	if err := restored.ImportLatest(entries); err != nil {
		t.Fatalf("ImportLatest failed: %v", err)
	}

	for _, entry := range entries {
		if got := restored.LatestRate(entry.User, entry.Operator); got != entry.Rate {
			t.Errorf("restored LatestRate(%s, %s) = %d, want %d", entry.User, entry.Operator, got, entry.Rate)
		}
	}
}
