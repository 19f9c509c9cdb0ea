package wire

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// Snapshot table slots:
//
//	0: round (uint64)
//	1: users (vector of string)        2: operators (vector of string)
//	3: latest (vector of PairRate)     4: throughputs (vector of Throughput)
//	5: rates (vector of OperatorRate)
//
// PairRate slots:    0: user, 1: operator, 2: rate.
// Throughput slots:  0: user, 1: value, 2: remainder.
// OperatorRate slots: 0: operator, 1: rate.

// Snapshot is the serializable state of a scheduler node.
type Snapshot struct {
	Round       uint64
	Users       []string
	Operators   []string
	Latest      []PairRate
	Throughputs []Throughput
	Rates       []OperatorRate
}

// PairRate is one latest-rate index entry.
type PairRate struct {
	User     string
	Operator string
	Rate     uint64
}

// Throughput is one user's persisted throughput state.
type Throughput struct {
	User      string
	Value     uint64
	Remainder uint64
}

// OperatorRate is one configured billing rate.
type OperatorRate struct {
	Operator string
	Rate     uint64
}

// EncodeSnapshot serializes a snapshot to FlatBuffers bytes.
func EncodeSnapshot(snap Snapshot) []byte {
	builder := flatbuffers.NewBuilder(1024)

	latestOffsets := make([]flatbuffers.UOffsetT, len(snap.Latest))
	for i, entry := range snap.Latest {
		userOff := builder.CreateString(entry.User)
		operatorOff := builder.CreateString(entry.Operator)

		builder.StartObject(3)
		builder.PrependUOffsetTSlot(0, userOff, 0)
		builder.PrependUOffsetTSlot(1, operatorOff, 0)
		builder.PrependUint64Slot(2, entry.Rate, 0)
		latestOffsets[i] = builder.EndObject()
	}

	throughputOffsets := make([]flatbuffers.UOffsetT, len(snap.Throughputs))
	for i, entry := range snap.Throughputs {
		userOff := builder.CreateString(entry.User)

		builder.StartObject(3)
		builder.PrependUOffsetTSlot(0, userOff, 0)
		builder.PrependUint64Slot(1, entry.Value, 0)
		builder.PrependUint64Slot(2, entry.Remainder, 0)
		throughputOffsets[i] = builder.EndObject()
	}

	rateOffsets := make([]flatbuffers.UOffsetT, len(snap.Rates))
	for i, entry := range snap.Rates {
		operatorOff := builder.CreateString(entry.Operator)

		builder.StartObject(2)
		builder.PrependUOffsetTSlot(0, operatorOff, 0)
		builder.PrependUint64Slot(1, entry.Rate, 0)
		rateOffsets[i] = builder.EndObject()
	}

	usersVec := stringVector(builder, snap.Users)
	operatorsVec := stringVector(builder, snap.Operators)
	latestVec := tableVector(builder, latestOffsets)
	throughputVec := tableVector(builder, throughputOffsets)
	ratesVec := tableVector(builder, rateOffsets)

	builder.StartObject(6)
	builder.PrependUint64Slot(0, snap.Round, 0)
	builder.PrependUOffsetTSlot(1, usersVec, 0)
	builder.PrependUOffsetTSlot(2, operatorsVec, 0)
	builder.PrependUOffsetTSlot(3, latestVec, 0)
	builder.PrependUOffsetTSlot(4, throughputVec, 0)
	builder.PrependUOffsetTSlot(5, ratesVec, 0)
	builder.Finish(builder.EndObject())

	return builder.FinishedBytes()
}

// DecodeSnapshot parses a snapshot from FlatBuffers bytes.
// Returns false when the buffer does not hold a well-formed snapshot.
func DecodeSnapshot(data []byte) (result Snapshot, valid bool) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			result = Snapshot{}
			valid = false
		}
	}()

	tab, ok := rootTable(data)
	if !ok {
		return Snapshot{}, false
	}

	snap := Snapshot{Round: tableUint64(tab, 0)}

	for i, n := 0, tableVectorLen(tab, 1); i < n; i++ {
		snap.Users = append(snap.Users, tableVectorString(tab, 1, i))
	}

	for i, n := 0, tableVectorLen(tab, 2); i < n; i++ {
		snap.Operators = append(snap.Operators, tableVectorString(tab, 2, i))
	}

	for i, n := 0, tableVectorLen(tab, 3); i < n; i++ {
		sub, ok := tableVectorTable(tab, 3, i)
		if !ok {
			continue
		}

		snap.Latest = append(snap.Latest, PairRate{
			User:     tableString(sub, 0),
			Operator: tableString(sub, 1),
			Rate:     tableUint64(sub, 2),
		})
	}

	for i, n := 0, tableVectorLen(tab, 4); i < n; i++ {
		sub, ok := tableVectorTable(tab, 4, i)
		if !ok {
			continue
		}

		snap.Throughputs = append(snap.Throughputs, Throughput{
			User:      tableString(sub, 0),
			Value:     tableUint64(sub, 1),
			Remainder: tableUint64(sub, 2),
		})
	}

	for i, n := 0, tableVectorLen(tab, 5); i < n; i++ {
		sub, ok := tableVectorTable(tab, 5, i)
		if !ok {
			continue
		}

		snap.Rates = append(snap.Rates, OperatorRate{
			Operator: tableString(sub, 0),
			Rate:     tableUint64(sub, 1),
		})
	}

	return snap, true
}
