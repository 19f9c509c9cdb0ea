// Package ledger stores the estimated-rate history of every
// (user, operator) pair. History is append-only and kept for audit; a
// derived latest-rate index is overwritten on every append and is the
// only part the scheduler reads.
package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"AirShare/internal/estimate"
	"AirShare/internal/event"
	"AirShare/internal/registry"
	"AirShare/internal/storage"
)

// Storage key prefixes.
var (
	prefixHistory = []byte("rh:") // rh:<pair>:<seq BE8> -> rate BE8 + unix-nano BE8
	prefixLatest  = []byte("rl:") // rl:<pair>           -> rate BE8
	prefixCount   = []byte("rc:") // rc:<pair>           -> record count BE8
)

// RateRecord is one appended history entry for a (user, operator) pair.
type RateRecord struct {
	User      registry.ID
	Operator  registry.ID
	Rate      uint64
	Timestamp time.Time
}

// LatestEntry is one latest-rate index entry, used for snapshots.
type LatestEntry struct {
	User     registry.ID
	Operator registry.ID
	Rate     uint64
}

// Ledger is the report ledger. Submissions for different pairs may run
// concurrently; submissions for the same pair serialize on the sequence
// counter and the last applied one wins the latest-rate index.
type Ledger struct {
	db   *storage.Storage
	sink event.Sink
	now  func() time.Time

	seqMu sync.Mutex
	seqs  map[string]uint64 // per-pair next sequence, lazily loaded
}

// New creates a ledger backed by the given storage, emitting
// ReportRecorded events to sink.
func New(db *storage.Storage, sink event.Sink) *Ledger {
	return &Ledger{
		db:   db,
		sink: sink,
		now:  time.Now,
		seqs: make(map[string]uint64),
	}
}

// SetClock overrides the timestamp source. Used by tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Submit estimates the rate for a channel report, appends it to the
// pair's history and overwrites the latest-rate index. Returns the
// estimated rate. A malformed report fails with estimate.ErrInvalidReport
// and changes nothing.
func (l *Ledger) Submit(user, operator registry.ID, report []byte) (uint64, error) {
	rate, err := estimate.Estimate(report)
	if err != nil {
		return 0, err
	}

	ts := l.now()
	seq := l.nextSeq(user, operator)

	pairs := []storage.KeyValue{
		{Key: makeHistoryKey(user, operator, seq), Value: encodeRecord(rate, ts)},
		{Key: makePairKey(prefixLatest, user, operator), Value: encodeUint64(rate)},
		{Key: makePairKey(prefixCount, user, operator), Value: encodeUint64(seq + 1)},
	}

	if err := l.db.SetBatch(pairs); err != nil {
		return 0, fmt.Errorf("store rate record:\n%w", err)
	}

	l.sink.Emit(event.ReportRecorded{
		User:      user,
		Operator:  operator,
		Rate:      rate,
		Timestamp: ts,
	})

	return rate, nil
}

// LatestRate returns the most recently submitted rate for the pair.
// Returns 0 if no report was ever submitted; that is the expected
// bootstrap state, not an error.
func (l *Ledger) LatestRate(user, operator registry.ID) uint64 {
	return l.db.GetUint64(makePairKey(prefixLatest, user, operator))
}

// History returns the pair's full rate history in submission order.
func (l *Ledger) History(user, operator registry.ID) []RateRecord {
	var records []RateRecord

	prefix := makePairKey(prefixHistory, user, operator)

	_ = l.db.IteratePrefix(prefix, func(key, value []byte) error {
		rate, ts, ok := decodeRecord(value)
		if !ok {
			return nil
		}

		records = append(records, RateRecord{
			User:      user,
			Operator:  operator,
			Rate:      rate,
			Timestamp: ts,
		})

		return nil
	})

	return records
}

// ExportLatest returns all latest-rate index entries for snapshot
// serialization.
func (l *Ledger) ExportLatest() []LatestEntry {
	var entries []LatestEntry

	_ = l.db.IteratePrefix(prefixLatest, func(key, value []byte) error {
		user, operator, ok := decodePairKey(key[len(prefixLatest):])
		if !ok || len(value) < 8 {
			return nil
		}

		entries = append(entries, LatestEntry{
			User:     user,
			Operator: operator,
			Rate:     binary.BigEndian.Uint64(value[:8]),
		})

		return nil
	})

	return entries
}

// ImportLatest loads latest-rate entries from snapshot data.
// History is not restored; the audit trail restarts at the snapshot.
func (l *Ledger) ImportLatest(entries []LatestEntry) error {
	pairs := make([]storage.KeyValue, len(entries))

	for i, entry := range entries {
		pairs[i] = storage.KeyValue{
			Key:   makePairKey(prefixLatest, entry.User, entry.Operator),
			Value: encodeUint64(entry.Rate),
		}
	}

	return l.db.SetBatch(pairs)
}

// nextSeq returns the next history sequence number for a pair.
// Counters are restored from storage on first use after a restart.
func (l *Ledger) nextSeq(user, operator registry.ID) uint64 {
	pair := string(makePairKey(nil, user, operator))

	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	seq, ok := l.seqs[pair]
	if !ok {
		seq = l.db.GetUint64(makePairKey(prefixCount, user, operator))
	}

	l.seqs[pair] = seq + 1

	return seq
}

// makePairKey builds prefix + len-prefixed user + len-prefixed operator.
// Length prefixes keep pair keys unambiguous: no pair's key is a prefix
// of another pair's, so a history scan never bleeds into a neighbour.
func makePairKey(prefix []byte, user, operator registry.ID) []byte {
	key := make([]byte, 0, len(prefix)+2*binary.MaxVarintLen64+len(user)+len(operator))
	key = append(key, prefix...)
	key = appendLenPrefixed(key, []byte(user))
	key = appendLenPrefixed(key, []byte(operator))

	return key
}

// appendLenPrefixed appends uvarint(len(data)) + data.
func appendLenPrefixed(key, data []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))

	key = append(key, lenBuf[:n]...)

	return append(key, data...)
}

// decodePairKey reverses makePairKey (without the prefix).
func decodePairKey(data []byte) (user, operator registry.ID, ok bool) {
	userBytes, rest, ok := readLenPrefixed(data)
	if !ok {
		return "", "", false
	}

	opBytes, rest, ok := readLenPrefixed(rest)
	if !ok || len(rest) != 0 {
		return "", "", false
	}

	return registry.ID(userBytes), registry.ID(opBytes), true
}

// readLenPrefixed reads one uvarint-length-prefixed field.
func readLenPrefixed(data []byte) (field, rest []byte, ok bool) {
	n, sz := binary.Uvarint(data)
	if sz <= 0 || uint64(len(data)-sz) < n {
		return nil, nil, false
	}

	return data[sz : sz+int(n)], data[sz+int(n):], true
}

// makeHistoryKey builds the history key: pair key + sequence (BE8).
// Big-endian sequences make prefix iteration return submission order.
func makeHistoryKey(user, operator registry.ID, seq uint64) []byte {
	key := makePairKey(prefixHistory, user, operator)

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	return append(key, seqBuf[:]...)
}

// encodeRecord encodes rate (BE8) + timestamp unix-nano (BE8).
func encodeRecord(rate uint64, ts time.Time) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], rate)
	binary.BigEndian.PutUint64(buf[8:], uint64(ts.UnixNano()))

	return buf
}

// decodeRecord decodes an encoded history record.
func decodeRecord(data []byte) (rate uint64, ts time.Time, ok bool) {
	if len(data) < 16 {
		return 0, time.Time{}, false
	}

	rate = binary.BigEndian.Uint64(data[:8])
	ts = time.Unix(0, int64(binary.BigEndian.Uint64(data[8:16])))

	return rate, ts, true
}

// encodeUint64 encodes a big-endian uint64.
func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)

	return buf
}
