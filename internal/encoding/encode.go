package encoding

import (
	"fmt"
	"math"
	"time"

	"github.com/thornwright/amqp1/internal/buffer"
)

// Marshaler is implemented by types that know how to encode themselves.
type Marshaler interface {
	Marshal(wr *buffer.Buffer) error
}

// WriteFrameBody writes fr's AMQP body, dispatching to Marshal when fr
// implements Marshaler and otherwise to the generic Marshal dispatcher.
func WriteFrameBody(wr *buffer.Buffer, fr interface{}) error {
	return Marshal(wr, fr)
}

// Marshal appends the canonical encoding of i to wr. It accepts any
// primitive Go type in the AMQP value universe, any Marshaler, maps,
// slices, and the shared composite types declared in this package.
func Marshal(wr *buffer.Buffer, i interface{}) error {
	switch t := i.(type) {
	case nil:
		wr.WriteByte(byte(typeCodeNull))
	case bool:
		if t {
			wr.WriteByte(byte(typeCodeBoolTrue))
		} else {
			wr.WriteByte(byte(typeCodeBoolFalse))
		}
	case *bool:
		if t == nil {
			wr.WriteByte(byte(typeCodeNull))
			return nil
		}
		return Marshal(wr, *t)
	case uint:
		writeUint64(wr, uint64(t))
	case uint64:
		writeUint64(wr, t)
	case *uint64:
		if t == nil {
			wr.WriteByte(byte(typeCodeNull))
			return nil
		}
		writeUint64(wr, *t)
	case uint32:
		writeUint32(wr, t)
	case *uint32:
		if t == nil {
			wr.WriteByte(byte(typeCodeNull))
			return nil
		}
		writeUint32(wr, *t)
	case uint16:
		wr.WriteByte(byte(typeCodeUshort))
		wr.WriteUint16(t)
	case *uint16:
		if t == nil {
			wr.WriteByte(byte(typeCodeNull))
			return nil
		}
		wr.WriteByte(byte(typeCodeUshort))
		wr.WriteUint16(*t)
	case uint8:
		wr.Write([]byte{byte(typeCodeUbyte), t})
	case int:
		writeInt64(wr, int64(t))
	case int8:
		wr.Write([]byte{byte(typeCodeByte), uint8(t)})
	case int16:
		wr.WriteByte(byte(typeCodeShort))
		wr.WriteUint16(uint16(t))
	case int32:
		writeInt32(wr, t)
	case int64:
		writeInt64(wr, t)
	case *int64:
		if t == nil {
			wr.WriteByte(byte(typeCodeNull))
			return nil
		}
		writeInt64(wr, *t)
	case float32:
		writeFloat(wr, t)
	case float64:
		writeDouble(wr, t)
	case string:
		return writeString(wr, t)
	case *string:
		if t == nil {
			wr.WriteByte(byte(typeCodeNull))
			return nil
		}
		return writeString(wr, *t)
	case []byte:
		return writeBinary(wr, t)
	case Symbol:
		return writeSymbol(wr, t)
	case *Symbol:
		if t == nil {
			wr.WriteByte(byte(typeCodeNull))
			return nil
		}
		return writeSymbol(wr, *t)
	case UUID:
		return writeUUID(wr, t)
	case *UUID:
		if t == nil {
			wr.WriteByte(byte(typeCodeNull))
			return nil
		}
		return writeUUID(wr, *t)
	case time.Time:
		writeTimestamp(wr, t)
	case Milliseconds:
		writeUint32(wr, uint32(time.Duration(t)/time.Millisecond))
	case ErrCond:
		return writeSymbol(wr, Symbol(t))
	case Role:
		return Marshal(wr, bool(t))
	case Durability:
		return Marshal(wr, uint32(t))
	case ExpiryPolicy:
		return writeSymbol(wr, Symbol(t))
	case SenderSettleMode:
		return Marshal(wr, uint8(t))
	case *SenderSettleMode:
		if t == nil {
			wr.WriteByte(byte(typeCodeNull))
			return nil
		}
		return Marshal(wr, uint8(*t))
	case ReceiverSettleMode:
		return Marshal(wr, uint8(t))
	case *ReceiverSettleMode:
		if t == nil {
			wr.WriteByte(byte(typeCodeNull))
			return nil
		}
		return Marshal(wr, uint8(*t))
	case map[string]interface{}:
		return writeMap(wr, mapStringAnyToAny(t))
	case map[Symbol]interface{}:
		return writeMap(wr, mapSymbolAnyToAny(t))
	case map[interface{}]interface{}:
		return writeMap(wr, t)
	case Annotations:
		return writeMap(wr, map[interface{}]interface{}(t))
	case Filter:
		m := make(map[interface{}]interface{}, len(t))
		for k, v := range t {
			m[k] = v
		}
		return writeMap(wr, m)
	case []interface{}:
		return writeList(wr, t)
	case *DescribedType:
		return t.Marshal(wr)
	case *Error:
		return t.Marshal(wr)
	case *Source:
		return t.Marshal(wr)
	case *Target:
		return t.Marshal(wr)
	case *Coordinator:
		return t.Marshal(wr)
	case *Declare:
		return t.Marshal(wr)
	case *Discharge:
		return t.Marshal(wr)
	case *StateReceived:
		return t.Marshal(wr)
	case *StateAccepted:
		return t.Marshal(wr)
	case *StateRejected:
		return t.Marshal(wr)
	case *StateReleased:
		return t.Marshal(wr)
	case *StateModified:
		return t.Marshal(wr)
	case *StateDeclared:
		return t.Marshal(wr)
	case *TransactionalState:
		return t.Marshal(wr)
	case []Symbol:
		return writeArraySymbol(wr, t)
	case Multiple[Symbol]:
		return MarshalMultiple(wr, t)
	case Marshaler:
		return t.Marshal(wr)
	default:
		return fmt.Errorf("encoding: marshal not implemented for %T", i)
	}
	return nil
}

// MarshalMultiple encodes a multiple="true" field: a bare value when
// there is exactly one element, an array otherwise (including zero,
// which marshals to an empty/null array per the schema default).
func MarshalMultiple[T any](wr *buffer.Buffer, m Multiple[T]) error {
	if len(m) == 1 {
		return Marshal(wr, m[0])
	}
	syms := make([]Symbol, len(m))
	for idx, v := range m {
		sv, ok := interface{}(v).(Symbol)
		if !ok {
			return fmt.Errorf("encoding: Multiple[%T] array encoding not supported", v)
		}
		syms[idx] = sv
	}
	return writeArraySymbol(wr, syms)
}

func writeInt32(wr *buffer.Buffer, n int32) {
	if n < 128 && n >= -128 {
		wr.Write([]byte{byte(typeCodeSmallint), uint8(n)})
		return
	}
	wr.WriteByte(byte(typeCodeInt))
	wr.WriteUint32(uint32(n))
}

func writeInt64(wr *buffer.Buffer, n int64) {
	if n < 128 && n >= -128 {
		wr.Write([]byte{byte(typeCodeSmalllong), uint8(n)})
		return
	}
	wr.WriteByte(byte(typeCodeLong))
	wr.WriteUint64(uint64(n))
}

func writeUint32(wr *buffer.Buffer, n uint32) {
	if n == 0 {
		wr.WriteByte(byte(typeCodeUint0))
		return
	}
	if n < 256 {
		wr.Write([]byte{byte(typeCodeSmallUint), uint8(n)})
		return
	}
	wr.WriteByte(byte(typeCodeUint))
	wr.WriteUint32(n)
}

func writeUint64(wr *buffer.Buffer, n uint64) {
	if n == 0 {
		wr.WriteByte(byte(typeCodeUlong0))
		return
	}
	if n < 256 {
		wr.Write([]byte{byte(typeCodeSmallUlong), uint8(n)})
		return
	}
	wr.WriteByte(byte(typeCodeUlong))
	wr.WriteUint64(n)
}

func writeFloat(wr *buffer.Buffer, f float32) {
	wr.WriteByte(byte(typeCodeFloat))
	wr.WriteUint32(math.Float32bits(f))
}

func writeDouble(wr *buffer.Buffer, f float64) {
	wr.WriteByte(byte(typeCodeDouble))
	wr.WriteUint64(math.Float64bits(f))
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) {
	wr.WriteByte(byte(typeCodeTimestamp))
	ms := t.UnixNano() / int64(time.Millisecond)
	wr.WriteUint64(uint64(ms))
}

func writeUUID(wr *buffer.Buffer, u UUID) error {
	wr.WriteByte(byte(typeCodeUUID))
	wr.Write(u[:])
	return nil
}

func writeString(wr *buffer.Buffer, s string) error {
	l := len(s)
	switch {
	case l < 256:
		wr.Write([]byte{byte(typeCodeStr8), byte(l)})
		wr.WriteString(s)
	default:
		wr.WriteByte(byte(typeCodeStr32))
		wr.WriteUint32(uint32(l))
		wr.WriteString(s)
	}
	return nil
}

func writeSymbol(wr *buffer.Buffer, s Symbol) error {
	l := len(s)
	switch {
	case l < 256:
		wr.Write([]byte{byte(typeCodeSym8), byte(l)})
		wr.WriteString(string(s))
	default:
		wr.WriteByte(byte(typeCodeSym32))
		wr.WriteUint32(uint32(l))
		wr.WriteString(string(s))
	}
	return nil
}

func writeBinary(wr *buffer.Buffer, b []byte) error {
	l := len(b)
	switch {
	case l < 256:
		wr.Write([]byte{byte(typeCodeVbin8), byte(l)})
		wr.Write(b)
	default:
		wr.WriteByte(byte(typeCodeVbin32))
		wr.WriteUint32(uint32(l))
		wr.Write(b)
	}
	return nil
}

// writeDescriptor writes the 0x00 described-type tag followed by the
// ulong descriptor code.
func writeDescriptor(wr *buffer.Buffer, code uint64) {
	wr.WriteByte(byte(typeCodeDescribed))
	writeUint64(wr, code)
}

// MarshalField is one field of a composite (described-list) value:
// trailing fields whose Omit is true are elided entirely; non-trailing
// omitted fields are written as null placeholders.
type MarshalField struct {
	Value interface{}
	Omit  bool
}

// MarshalComposite writes the 0x00 descriptor tag, descriptor code,
// and list body for a composite performative/value, honoring the
// "missing trailing fields default" rule: trailing Omit fields are
// dropped from the list instead of written as null.
func MarshalComposite(wr *buffer.Buffer, code uint64, fields []MarshalField) error {
	last := len(fields)
	for last > 0 && fields[last-1].Omit {
		last--
	}
	fields = fields[:last]

	writeDescriptor(wr, code)

	if len(fields) == 0 {
		wr.WriteByte(byte(typeCodeList0))
		return nil
	}

	// reserve a list32 header so the field count can exceed 255 and
	// the byte-size can be patched after encoding
	wr.WriteByte(byte(typeCodeList32))
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	wr.WriteUint32(uint32(len(fields)))
	bodyStart := wr.Len()

	for _, f := range fields {
		if f.Omit {
			wr.WriteByte(byte(typeCodeNull))
			continue
		}
		if err := Marshal(wr, f.Value); err != nil {
			return err
		}
	}

	patchUint32(wr, sizeIdx, uint32(wr.Len()-bodyStart+4))
	return nil
}

// patchUint32 overwrites the 4 bytes at byte-offset idx (from the start
// of the buffer's written region) with n, big-endian. idx/offsets are
// measured from the buffer's logical start at the time the header was
// reserved, which holds because Marshal never truncates.
func patchUint32(wr *buffer.Buffer, idx int, n uint32) {
	b := wr.Bytes()
	if idx+4 > len(b) {
		return
	}
	b[idx] = byte(n >> 24)
	b[idx+1] = byte(n >> 16)
	b[idx+2] = byte(n >> 8)
	b[idx+3] = byte(n)
}

func writeList(wr *buffer.Buffer, l []interface{}) error {
	if len(l) == 0 {
		wr.WriteByte(byte(typeCodeList0))
		return nil
	}
	wr.WriteByte(byte(typeCodeList32))
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	wr.WriteUint32(uint32(len(l)))
	bodyStart := wr.Len()
	for _, v := range l {
		if err := Marshal(wr, v); err != nil {
			return err
		}
	}
	patchUint32(wr, sizeIdx, uint32(wr.Len()-bodyStart+4))
	return nil
}

func writeMap(wr *buffer.Buffer, m map[interface{}]interface{}) error {
	wr.WriteByte(byte(typeCodeMap32))
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	wr.WriteUint32(uint32(len(m) * 2))
	bodyStart := wr.Len()
	for k, v := range m {
		if err := Marshal(wr, k); err != nil {
			return err
		}
		if err := Marshal(wr, v); err != nil {
			return err
		}
	}
	patchUint32(wr, sizeIdx, uint32(wr.Len()-bodyStart+4))
	return nil
}

func writeArraySymbol(wr *buffer.Buffer, a []Symbol) error {
	wr.WriteByte(byte(typeCodeArray32))
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	wr.WriteUint32(uint32(len(a)))
	bodyStart := wr.Len()
	wr.WriteByte(byte(typeCodeSym32))
	for _, s := range a {
		wr.WriteUint32(uint32(len(s)))
		wr.WriteString(string(s))
	}
	patchUint32(wr, sizeIdx, uint32(wr.Len()-bodyStart+4))
	return nil
}

// --- shared composite types ---

func (s *Source) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeSource, []MarshalField{
		{Value: s.Address, Omit: s.Address == ""},
		{Value: s.Durable, Omit: s.Durable == DurabilityNone},
		{Value: s.ExpiryPolicy, Omit: s.ExpiryPolicy == "" || s.ExpiryPolicy == ExpirySessionEnd},
		{Value: s.Timeout, Omit: s.Timeout == 0},
		{Value: s.Dynamic, Omit: !s.Dynamic},
		{Value: mapSymbolAnyToAny(s.DynamicNodeProperties), Omit: len(s.DynamicNodeProperties) == 0},
		{Value: s.DistributionMode, Omit: s.DistributionMode == ""},
		{Value: s.Filter, Omit: len(s.Filter) == 0},
		{Value: s.DefaultOutcome, Omit: s.DefaultOutcome == nil},
		{Value: s.Outcomes, Omit: len(s.Outcomes) == 0},
		{Value: s.Capabilities, Omit: len(s.Capabilities) == 0},
	})
}

func (t *Target) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTarget, []MarshalField{
		{Value: t.Address, Omit: t.Address == ""},
		{Value: t.Durable, Omit: t.Durable == DurabilityNone},
		{Value: t.ExpiryPolicy, Omit: t.ExpiryPolicy == "" || t.ExpiryPolicy == ExpirySessionEnd},
		{Value: t.Timeout, Omit: t.Timeout == 0},
		{Value: t.Dynamic, Omit: !t.Dynamic},
		{Value: mapSymbolAnyToAny(t.DynamicNodeProperties), Omit: len(t.DynamicNodeProperties) == 0},
		{Value: t.Capabilities, Omit: len(t.Capabilities) == 0},
	})
}

func (c *Coordinator) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeCoordinator, []MarshalField{
		{Value: c.Capabilities, Omit: len(c.Capabilities) == 0},
	})
}

func (d *Declare) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDeclare, []MarshalField{
		{Value: d.GlobalID, Omit: d.GlobalID == nil},
	})
}

func (d *Discharge) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDischarge, []MarshalField{
		{Value: d.TxnID},
		{Value: d.Fail, Omit: !d.Fail},
	})
}

func (sr *StateReceived) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReceived, []MarshalField{
		{Value: sr.SectionNumber},
		{Value: sr.SectionOffset},
	})
}

func (*StateAccepted) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateAccepted, nil)
}

func (sr *StateRejected) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateRejected, []MarshalField{
		{Value: sr.Error, Omit: sr.Error == nil},
	})
}

func (*StateReleased) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReleased, nil)
}

func (sm *StateModified) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateModified, []MarshalField{
		{Value: sm.DeliveryFailed, Omit: !sm.DeliveryFailed},
		{Value: sm.UndeliverableHere, Omit: !sm.UndeliverableHere},
		{Value: sm.MessageAnnotations, Omit: len(sm.MessageAnnotations) == 0},
	})
}

func (sd *StateDeclared) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateDeclared, []MarshalField{
		{Value: sd.TxnID},
	})
}

func (ts *TransactionalState) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTransactionalStte, []MarshalField{
		{Value: ts.TxnID},
		{Value: ts.Outcome, Omit: ts.Outcome == nil},
	})
}

func (e *Error) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeError, []MarshalField{
		{Value: e.Condition},
		{Value: e.Description, Omit: e.Description == ""},
		{Value: mapStringAnyToAny(e.Info), Omit: len(e.Info) == 0},
	})
}

func (d *DescribedType) Marshal(wr *buffer.Buffer) error {
	writeDescriptor2(wr, d.Descriptor)
	return Marshal(wr, d.Value)
}

// writeDescriptor2 writes an arbitrary (symbol or numeric) descriptor,
// unlike writeDescriptor which is specialized for the fixed ulong
// codes used by this package's own composite types.
func writeDescriptor2(wr *buffer.Buffer, descriptor interface{}) {
	wr.WriteByte(byte(typeCodeDescribed))
	switch d := descriptor.(type) {
	case Symbol:
		writeSymbol(wr, d)
	case uint64:
		writeUint64(wr, d)
	default:
		Marshal(wr, d)
	}
}

func mapSymbolAnyToAny(m map[Symbol]interface{}) map[interface{}]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[interface{}]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mapStringAnyToAny(m map[string]interface{}) map[interface{}]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[interface{}]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
