// Package wire defines the FlatBuffers wire format for report envelopes
// and snapshot records. Tables are written directly against the
// FlatBuffers runtime (slot writes and vtable-offset reads), so the
// layout below is the format specification.
//
// ReportEnvelope table slots:
//
//	0: user (string)   1: operator (string)
//	2: round (uint64)  3: payload ([]byte)
package wire

import (
	flatbuffers "github.com/google/flatbuffers/go"

	"AirShare/internal/registry"
)

// ReportEnvelope carries one channel report submission over the wire.
type ReportEnvelope struct {
	User     registry.ID
	Operator registry.ID
	Round    uint64
	Payload  []byte
}

// EncodeReportEnvelope serializes an envelope to FlatBuffers bytes.
func EncodeReportEnvelope(env ReportEnvelope) []byte {
	builder := flatbuffers.NewBuilder(64 + len(env.Payload))

	userOff := builder.CreateString(string(env.User))
	operatorOff := builder.CreateString(string(env.Operator))
	payloadOff := builder.CreateByteVector(env.Payload)

	builder.StartObject(4)
	builder.PrependUOffsetTSlot(0, userOff, 0)
	builder.PrependUOffsetTSlot(1, operatorOff, 0)
	builder.PrependUint64Slot(2, env.Round, 0)
	builder.PrependUOffsetTSlot(3, payloadOff, 0)
	builder.Finish(builder.EndObject())

	return builder.FinishedBytes()
}

// DecodeReportEnvelope parses an envelope from FlatBuffers bytes.
// Returns false when the buffer does not hold a well-formed envelope.
func DecodeReportEnvelope(data []byte) (env ReportEnvelope, valid bool) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			env = ReportEnvelope{}
			valid = false
		}
	}()

	tab, ok := rootTable(data)
	if !ok {
		return ReportEnvelope{}, false
	}

	return ReportEnvelope{
		User:     registry.ID(tableString(tab, 0)),
		Operator: registry.ID(tableString(tab, 1)),
		Round:    tableUint64(tab, 2),
		Payload:  tableBytes(tab, 3),
	}, true
}

// rootTable positions a table at the buffer's root.
func rootTable(data []byte) (*flatbuffers.Table, bool) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, false
	}

	pos := flatbuffers.GetUOffsetT(data)
	if int(pos) >= len(data) {
		return nil, false
	}

	return &flatbuffers.Table{Bytes: data, Pos: pos}, true
}

// slotOffset converts a slot index to its vtable offset.
func slotOffset(slot int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*slot)
}

// tableString reads a string slot, "" when absent.
func tableString(tab *flatbuffers.Table, slot int) string {
	o := flatbuffers.UOffsetT(tab.Offset(slotOffset(slot)))
	if o == 0 {
		return ""
	}

	return string(tab.ByteVector(o + tab.Pos))
}

// tableBytes reads a byte-vector slot, nil when absent.
func tableBytes(tab *flatbuffers.Table, slot int) []byte {
	o := flatbuffers.UOffsetT(tab.Offset(slotOffset(slot)))
	if o == 0 {
		return nil
	}

	raw := tab.ByteVector(o + tab.Pos)
	out := make([]byte, len(raw))
	copy(out, raw)

	return out
}

// tableUint64 reads a uint64 slot, 0 when absent.
func tableUint64(tab *flatbuffers.Table, slot int) uint64 {
	o := flatbuffers.UOffsetT(tab.Offset(slotOffset(slot)))
	if o == 0 {
		return 0
	}

	return tab.GetUint64(o + tab.Pos)
}

// tableVectorLen reads the length of a vector slot, 0 when absent.
func tableVectorLen(tab *flatbuffers.Table, slot int) int {
	o := flatbuffers.UOffsetT(tab.Offset(slotOffset(slot)))
	if o == 0 {
		return 0
	}

	return tab.VectorLen(o)
}

// tableVectorTable positions a sub-table at index i of a vector slot.
func tableVectorTable(tab *flatbuffers.Table, slot, i int) (*flatbuffers.Table, bool) {
	o := flatbuffers.UOffsetT(tab.Offset(slotOffset(slot)))
	if o == 0 {
		return nil, false
	}

	x := tab.Vector(o)
	x += flatbuffers.UOffsetT(i) * flatbuffers.SizeUOffsetT
	x = tab.Indirect(x)

	return &flatbuffers.Table{Bytes: tab.Bytes, Pos: x}, true
}

// tableVectorString reads the string at index i of a vector slot.
func tableVectorString(tab *flatbuffers.Table, slot, i int) string {
	o := flatbuffers.UOffsetT(tab.Offset(slotOffset(slot)))
	if o == 0 {
		return ""
	}

	a := tab.Vector(o)

	return string(tab.ByteVector(a + flatbuffers.UOffsetT(i)*flatbuffers.SizeUOffsetT))
}

// stringVector builds a vector of strings.
func stringVector(builder *flatbuffers.Builder, values []string) flatbuffers.UOffsetT {
	offsets := make([]flatbuffers.UOffsetT, len(values))
	for i, v := range values {
		offsets[i] = builder.CreateString(v)
	}

	builder.StartVector(flatbuffers.SizeUOffsetT, len(offsets), flatbuffers.SizeUOffsetT)
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}

	return builder.EndVector(len(offsets))
}

// tableVector builds a vector of already-built table offsets.
func tableVector(builder *flatbuffers.Builder, offsets []flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	builder.StartVector(flatbuffers.SizeUOffsetT, len(offsets), flatbuffers.SizeUOffsetT)
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}

	return builder.EndVector(len(offsets))
}
