// Package snap exports and restores the scheduler's long-lived state as
// a single compressed, checksummed blob: round index, registered
// identifiers, latest rates, throughput states and operator billing
// rates. Report history is audit data and stays out of snapshots.
package snap

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"AirShare/internal/ledger"
	"AirShare/internal/registry"
	"AirShare/internal/sched"
	"AirShare/internal/settle"
	"AirShare/internal/wire"
)

const (
	// snapshotVersion is the current snapshot format version.
	snapshotVersion = 1

	// checksumSize is the blake3 digest length.
	checksumSize = 32
)

// magic identifies a snapshot blob.
var magic = []byte("ASNP")

// Create serializes the node's state: header (magic + version +
// blake3 of the compressed payload) followed by zstd-compressed
// FlatBuffers.
func Create(round uint64, reg *registry.Service, led *ledger.Ledger, schedEngine *sched.Engine, settleEngine *settle.Engine) ([]byte, error) {
	snap := wire.Snapshot{Round: round}

	for _, user := range reg.Users() {
		snap.Users = append(snap.Users, string(user))
	}

	for _, operator := range reg.Operators() {
		snap.Operators = append(snap.Operators, string(operator))
	}

	for _, entry := range led.ExportLatest() {
		snap.Latest = append(snap.Latest, wire.PairRate{
			User:     string(entry.User),
			Operator: string(entry.Operator),
			Rate:     entry.Rate,
		})
	}

	for user, state := range schedEngine.ExportThroughputs() {
		snap.Throughputs = append(snap.Throughputs, wire.Throughput{
			User:      string(user),
			Value:     state.Value,
			Remainder: state.Remainder,
		})
	}

	for operator, rate := range settleEngine.ExportRates() {
		snap.Rates = append(snap.Rates, wire.OperatorRate{
			Operator: string(operator),
			Rate:     rate,
		})
	}

	compressed, err := compress(wire.EncodeSnapshot(snap))
	if err != nil {
		return nil, fmt.Errorf("compress snapshot:\n%w", err)
	}

	sum := blake3.Sum256(compressed)

	blob := make([]byte, 0, len(magic)+1+checksumSize+len(compressed))
	blob = append(blob, magic...)
	blob = append(blob, snapshotVersion)
	blob = append(blob, sum[:]...)
	blob = append(blob, compressed...)

	return blob, nil
}

// Restore verifies a snapshot blob and loads its state into the given
// collaborators. Returns the snapshot's round index.
func Restore(blob []byte, reg *registry.Service, led *ledger.Ledger, schedEngine *sched.Engine, settleEngine *settle.Engine) (uint64, error) {
	headerSize := len(magic) + 1 + checksumSize
	if len(blob) < headerSize {
		return 0, fmt.Errorf("snapshot too short: %d bytes", len(blob))
	}

	if !bytes.Equal(blob[:len(magic)], magic) {
		return 0, fmt.Errorf("not a snapshot blob")
	}

	if version := blob[len(magic)]; version != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version: %d", version)
	}

	var sum [checksumSize]byte
	copy(sum[:], blob[len(magic)+1:headerSize])

	compressed := blob[headerSize:]

	if blake3.Sum256(compressed) != sum {
		return 0, fmt.Errorf("snapshot checksum mismatch")
	}

	raw, err := decompress(compressed)
	if err != nil {
		return 0, fmt.Errorf("decompress snapshot:\n%w", err)
	}

	snap, ok := wire.DecodeSnapshot(raw)
	if !ok {
		return 0, fmt.Errorf("malformed snapshot payload")
	}

	// Registration order in the snapshot is registration order here.
	for _, user := range snap.Users {
		reg.AddUser(registry.ID(user))
	}

	for _, operator := range snap.Operators {
		reg.AddOperator(registry.ID(operator))
	}

	latest := make([]ledger.LatestEntry, len(snap.Latest))
	for i, entry := range snap.Latest {
		latest[i] = ledger.LatestEntry{
			User:     registry.ID(entry.User),
			Operator: registry.ID(entry.Operator),
			Rate:     entry.Rate,
		}
	}

	if err := led.ImportLatest(latest); err != nil {
		return 0, fmt.Errorf("restore latest rates:\n%w", err)
	}

	throughputs := make(map[registry.ID]sched.ThroughputState, len(snap.Throughputs))
	for _, entry := range snap.Throughputs {
		throughputs[registry.ID(entry.User)] = sched.ThroughputState{
			Value:     entry.Value,
			Remainder: entry.Remainder,
		}
	}

	if err := schedEngine.ImportThroughputs(throughputs); err != nil {
		return 0, fmt.Errorf("restore throughputs:\n%w", err)
	}

	rates := make(map[registry.ID]uint64, len(snap.Rates))
	for _, entry := range snap.Rates {
		rates[registry.ID(entry.Operator)] = entry.Rate
	}

	if err := settleEngine.ImportRates(rates); err != nil {
		return 0, fmt.Errorf("restore operator rates:\n%w", err)
	}

	return snap.Round, nil
}

// compress compresses snapshot data using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd-compressed snapshot data.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
