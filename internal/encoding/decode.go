package encoding

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/thornwright/amqp1/internal/buffer"
)

// Unmarshaler is implemented by types that know how to decode
// themselves from a described-list or primitive encoding.
type Unmarshaler interface {
	Unmarshal(r *buffer.Buffer) error
}

// TryReadNull consumes a null type code if present and reports
// whether it did; callers use this to distinguish "field explicitly
// null" from "field present" before decoding optional fields.
func TryReadNull(r *buffer.Buffer) bool {
	code, err := r.PeekByte()
	if err != nil {
		return false
	}
	if amqpType(code) == typeCodeNull {
		r.Skip(1)
		return true
	}
	return false
}

// ReadDescriptor consumes a described-type tag (0x00) and returns the
// descriptor value, which is either a Symbol or a uint64 code.
func ReadDescriptor(r *buffer.Buffer) (interface{}, error) {
	code, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if amqpType(code) != typeCodeDescribed {
		return nil, fmt.Errorf("encoding: expected described-type tag 0x00, got %#02x", code)
	}
	return ReadAny(r)
}

// PeekDescriptorCode looks ahead (without consuming) to find the
// numeric descriptor code of the described value at the current read
// position. It is used by the frame codec to pick which performative
// struct to decode into before actually decoding it.
func PeekDescriptorCode(r *buffer.Buffer) (uint64, error) {
	mark := r.Mark()
	defer r.Rewind(mark)

	d, err := ReadDescriptor(r)
	if err != nil {
		return 0, err
	}
	switch v := d.(type) {
	case uint64:
		return v, nil
	default:
		return 0, fmt.Errorf("encoding: unexpected descriptor type %T, wanted numeric code", d)
	}
}

// ReadAny decodes one value of any AMQP type from r.
func ReadAny(r *buffer.Buffer) (interface{}, error) {
	code, err := r.PeekByte()
	if err != nil {
		return nil, err
	}

	switch amqpType(code) {
	case typeCodeNull:
		r.Skip(1)
		return nil, nil
	case typeCodeBoolTrue:
		r.Skip(1)
		return true, nil
	case typeCodeBoolFalse:
		r.Skip(1)
		return false, nil
	case typeCodeBool:
		r.Skip(1)
		b, err := r.ReadByte()
		return b != 0, err
	case typeCodeUbyte:
		r.Skip(1)
		b, err := r.ReadByte()
		return uint8(b), err
	case typeCodeByte:
		r.Skip(1)
		b, err := r.ReadByte()
		return int8(b), err
	case typeCodeUshort:
		r.Skip(1)
		return r.ReadUint16()
	case typeCodeShort:
		r.Skip(1)
		u, err := r.ReadUint16()
		return int16(u), err
	case typeCodeUint, typeCodeSmallUint, typeCodeUint0:
		return readUint32(r)
	case typeCodeInt, typeCodeSmallint:
		return readInt32(r)
	case typeCodeUlong, typeCodeSmallUlong, typeCodeUlong0:
		return readUint64(r)
	case typeCodeLong, typeCodeSmalllong:
		return readInt64(r)
	case typeCodeFloat:
		r.Skip(1)
		u, err := r.ReadUint32()
		return math.Float32frombits(u), err
	case typeCodeDouble:
		r.Skip(1)
		u, err := r.ReadUint64()
		return math.Float64frombits(u), err
	case typeCodeChar:
		r.Skip(1)
		u, err := r.ReadUint32()
		return rune(u), err
	case typeCodeTimestamp:
		r.Skip(1)
		u, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(int64(u)).UTC(), nil
	case typeCodeUUID:
		r.Skip(1)
		b, err := r.Next(16)
		if err != nil {
			return nil, err
		}
		var u UUID
		copy(u[:], b)
		return u, nil
	case typeCodeVbin8, typeCodeVbin32:
		return readBinary(r)
	case typeCodeStr8, typeCodeStr32:
		return readString(r)
	case typeCodeSym8, typeCodeSym32:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		return Symbol(s), nil
	case typeCodeList0, typeCodeList8, typeCodeList32:
		return readList(r)
	case typeCodeMap8, typeCodeMap32:
		return readMap(r)
	case typeCodeArray8, typeCodeArray32:
		return readArray(r)
	case typeCodeDescribed:
		mark := r.Mark()
		if code, err := PeekDescriptorCode(r); err == nil {
			switch code {
			case TypeCodeDeclare:
				var d Declare
				return &d, d.Unmarshal(r)
			case TypeCodeDischarge:
				var d Discharge
				return &d, d.Unmarshal(r)
			}
		}
		r.Rewind(mark)

		descriptor, err := ReadDescriptor(r)
		if err != nil {
			return nil, err
		}
		value, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		return &DescribedType{Descriptor: descriptor, Value: value}, nil
	default:
		return nil, fmt.Errorf("encoding: unknown type code %#02x", code)
	}
}

func readUint32(r *buffer.Buffer) (uint32, error) {
	code, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch amqpType(code) {
	case typeCodeUint0:
		return 0, nil
	case typeCodeSmallUint:
		b, err := r.ReadByte()
		return uint32(b), err
	case typeCodeUint:
		return r.ReadUint32()
	default:
		return 0, fmt.Errorf("encoding: invalid uint32 type code %#02x", code)
	}
}

func readInt32(r *buffer.Buffer) (int32, error) {
	code, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch amqpType(code) {
	case typeCodeSmallint:
		b, err := r.ReadByte()
		return int32(int8(b)), err
	case typeCodeInt:
		u, err := r.ReadUint32()
		return int32(u), err
	default:
		return 0, fmt.Errorf("encoding: invalid int32 type code %#02x", code)
	}
}

func readUint64(r *buffer.Buffer) (uint64, error) {
	code, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch amqpType(code) {
	case typeCodeUlong0:
		return 0, nil
	case typeCodeSmallUlong:
		b, err := r.ReadByte()
		return uint64(b), err
	case typeCodeUlong:
		return r.ReadUint64()
	default:
		return 0, fmt.Errorf("encoding: invalid uint64 type code %#02x", code)
	}
}

func readInt64(r *buffer.Buffer) (int64, error) {
	code, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch amqpType(code) {
	case typeCodeSmalllong:
		b, err := r.ReadByte()
		return int64(int8(b)), err
	case typeCodeLong:
		u, err := r.ReadUint64()
		return int64(u), err
	default:
		return 0, fmt.Errorf("encoding: invalid int64 type code %#02x", code)
	}
}

func readVarLength(r *buffer.Buffer, shortCode, longCode amqpType) (uint32, error) {
	code, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch amqpType(code) {
	case shortCode:
		b, err := r.ReadByte()
		return uint32(b), err
	case longCode:
		return r.ReadUint32()
	default:
		return 0, fmt.Errorf("encoding: invalid variable-length type code %#02x", code)
	}
}

func readBinary(r *buffer.Buffer) ([]byte, error) {
	n, err := readVarLength(r, typeCodeVbin8, typeCodeVbin32)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	b, err := r.Next(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func readString(r *buffer.Buffer) (string, error) {
	code, err := r.PeekByte()
	if err != nil {
		return "", err
	}
	var n uint32
	switch amqpType(code) {
	case typeCodeStr8, typeCodeStr32:
		n, err = readVarLength(r, typeCodeStr8, typeCodeStr32)
	case typeCodeSym8, typeCodeSym32:
		n, err = readVarLength(r, typeCodeSym8, typeCodeSym32)
	default:
		return "", fmt.Errorf("encoding: invalid string/symbol type code %#02x", code)
	}
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b, err := r.Next(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadListHeader consumes a list0/list8/list32 header and returns the
// element count.
func ReadListHeader(r *buffer.Buffer) (uint32, error) {
	code, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch amqpType(code) {
	case typeCodeList0:
		return 0, nil
	case typeCodeList8:
		if _, err := r.Next(1); err != nil { // size
			return 0, err
		}
		c, err := r.ReadByte()
		return uint32(c), err
	case typeCodeList32:
		if _, err := r.Next(4); err != nil { // size
			return 0, err
		}
		return r.ReadUint32()
	default:
		return 0, fmt.Errorf("encoding: invalid list type code %#02x", code)
	}
}

// ReadMapHeader consumes a map8/map32 header and returns the element
// count (twice the number of pairs). A map with an odd count or
// duplicate keys is a decode error surfaced by the caller once it
// finishes reading pairs.
func ReadMapHeader(r *buffer.Buffer) (uint32, error) {
	code, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch amqpType(code) {
	case typeCodeMap8:
		if _, err := r.Next(1); err != nil {
			return 0, err
		}
		c, err := r.ReadByte()
		return uint32(c), err
	case typeCodeMap32:
		if _, err := r.Next(4); err != nil {
			return 0, err
		}
		return r.ReadUint32()
	default:
		return 0, fmt.Errorf("encoding: invalid map type code %#02x", code)
	}
}

// readArrayHeader consumes an array8/array32 header, returning the
// element count and the element format code.
func readArrayHeader(r *buffer.Buffer) (count uint32, elemCode amqpType, err error) {
	code, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	switch amqpType(code) {
	case typeCodeArray8:
		if _, err := r.Next(1); err != nil {
			return 0, 0, err
		}
		c, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		ec, err := r.ReadByte()
		return uint32(c), amqpType(ec), err
	case typeCodeArray32:
		if _, err := r.Next(4); err != nil {
			return 0, 0, err
		}
		c, err := r.ReadUint32()
		if err != nil {
			return 0, 0, err
		}
		ec, err := r.ReadByte()
		return c, amqpType(ec), err
	default:
		return 0, 0, fmt.Errorf("encoding: invalid array type code %#02x", code)
	}
}

func readList(r *buffer.Buffer) ([]interface{}, error) {
	n, err := ReadListHeader(r)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, n)
	for i := range out {
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readMap(r *buffer.Buffer) (map[interface{}]interface{}, error) {
	n, err := ReadMapHeader(r)
	if err != nil {
		return nil, err
	}
	if n%2 != 0 {
		return nil, fmt.Errorf("%w: map has odd number of items (%d)", ErrDecode, n)
	}
	m := make(map[interface{}]interface{}, n/2)
	for i := uint32(0); i < n; i += 2 {
		key, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		val, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		if _, dup := m[key]; dup {
			return nil, fmt.Errorf("%w: duplicate map key %v", ErrDecode, key)
		}
		m[key] = val
	}
	return m, nil
}

// readArray decodes an array into a generic []interface{}; the
// element format code from the header selects how each element is
// read (see readArrayElement) and is not otherwise surfaced, since
// callers that need a concrete element type assert it themselves.
func readArray(r *buffer.Buffer) ([]interface{}, error) {
	n, elemCode, err := readArrayHeader(r)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, n)
	for i := range out {
		v, err := readArrayElement(r, elemCode)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// readArrayElement reads one element of an array whose element format
// code (elemCode) has already been consumed by readArrayHeader. AMQP
// arrays write that constructor once and never repeat it per element.
// Symbol arrays, the only arrays this package's Marshal produces (see
// writeArraySymbol), are read that way. Every other element type is
// read with ReadAny, which expects each element to start with its own
// constructor byte.
func readArrayElement(r *buffer.Buffer, elemCode amqpType) (interface{}, error) {
	switch elemCode {
	case typeCodeSym8, typeCodeSym32:
		return readArrayElementNoConstructor(r, elemCode)
	default:
		return ReadAny(r)
	}
}

// readArrayElementNoConstructor reads a single element whose
// constructor byte was NOT repeated (the wire-efficient array form):
// the element format code was already consumed once by the array
// header and every element is exactly width(code) bytes with no
// leading constructor.
func readArrayElementNoConstructor(r *buffer.Buffer, code amqpType) (interface{}, error) {
	switch code {
	case typeCodeSym32:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		b, err := r.Next(int(n))
		if err != nil {
			return nil, err
		}
		return Symbol(b), nil
	case typeCodeSym8:
		n, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		b, err := r.Next(int(n))
		if err != nil {
			return nil, err
		}
		return Symbol(b), nil
	default:
		// only symbol elements are read without a constructor.
		return nil, fmt.Errorf("encoding: unsupported array element type code %#02x", byte(code))
	}
}

// --- Unmarshal dispatcher ---

// Unmarshal decodes one value from r into the value pointed to by i.
func Unmarshal(r *buffer.Buffer, i interface{}) error {
	switch t := i.(type) {
	case *interface{}:
		v, err := ReadAny(r)
		*t = v
		return err
	case *bool:
		v, err := ReadAny(r)
		if err != nil {
			return err
		}
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: expected bool, got %T", ErrDecode, v)
		}
		*t = b
		return nil
	case *string:
		s, err := readString(r)
		if err != nil {
			return err
		}
		*t = s
		return nil
	case *Symbol:
		s, err := readString(r)
		if err != nil {
			return err
		}
		*t = Symbol(s)
		return nil
	case *[]byte:
		b, err := readBinary(r)
		if err != nil {
			return err
		}
		*t = b
		return nil
	case *uint8:
		code, err := r.ReadByte()
		if err != nil {
			return err
		}
		if amqpType(code) != typeCodeUbyte {
			return fmt.Errorf("%w: expected ubyte type code, got %#02x", ErrDecode, code)
		}
		b, err := r.ReadByte()
		*t = b
		return err
	case *uint16:
		code, err := r.ReadByte()
		if err != nil {
			return err
		}
		if amqpType(code) != typeCodeUshort {
			return fmt.Errorf("%w: expected ushort type code, got %#02x", ErrDecode, code)
		}
		v, err := r.ReadUint16()
		*t = v
		return err
	case *uint32:
		v, err := readUint32(r)
		*t = v
		return err
	case *uint64:
		v, err := readUint64(r)
		*t = v
		return err
	case *int32:
		v, err := readInt32(r)
		*t = v
		return err
	case *int64:
		v, err := readInt64(r)
		*t = v
		return err
	case *time.Time:
		v, err := ReadAny(r)
		if err != nil {
			return err
		}
		tv, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("%w: expected timestamp, got %T", ErrDecode, v)
		}
		*t = tv
		return nil
	case *UUID:
		v, err := ReadAny(r)
		if err != nil {
			return err
		}
		u, ok := v.(UUID)
		if !ok {
			return fmt.Errorf("%w: expected uuid, got %T", ErrDecode, v)
		}
		*t = u
		return nil
	case *Milliseconds:
		v, err := readUint32(r)
		if err != nil {
			return err
		}
		*t = Milliseconds(time.Duration(v) * time.Millisecond)
		return nil
	case *Role:
		v, err := ReadAny(r)
		if err != nil {
			return err
		}
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: expected role bool, got %T", ErrDecode, v)
		}
		*t = Role(b)
		return nil
	case *Durability:
		v, err := readUint32(r)
		*t = Durability(v)
		return err
	case *ExpiryPolicy:
		s, err := readString(r)
		*t = ExpiryPolicy(s)
		return err
	case *SenderSettleMode:
		var v uint8
		err := Unmarshal(r, &v)
		*t = SenderSettleMode(v)
		return err
	case *ReceiverSettleMode:
		var v uint8
		err := Unmarshal(r, &v)
		*t = ReceiverSettleMode(v)
		return err
	case *ErrCond:
		s, err := readString(r)
		*t = ErrCond(s)
		return err
	case *map[string]interface{}:
		m, err := readMap(r)
		if err != nil {
			return err
		}
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			ks, ok := k.(string)
			if !ok {
				ks = string(k.(Symbol))
			}
			out[ks] = v
		}
		*t = out
		return nil
	case *map[Symbol]interface{}:
		m, err := readMap(r)
		if err != nil {
			return err
		}
		out := make(map[Symbol]interface{}, len(m))
		for k, v := range m {
			switch kk := k.(type) {
			case Symbol:
				out[kk] = v
			case string:
				out[Symbol(kk)] = v
			}
		}
		*t = out
		return nil
	case *Annotations:
		m, err := readMap(r)
		if err != nil {
			return err
		}
		*t = Annotations(m)
		return nil
	case *Filter:
		m, err := readMap(r)
		if err != nil {
			return err
		}
		out := make(Filter, len(m)/2+1)
		for k, v := range m {
			sym, _ := k.(Symbol)
			if dt, ok := v.(*DescribedType); ok {
				out[sym] = dt
			} else if v == nil {
				out[sym] = nil
			}
		}
		*t = out
		return nil
	case *[]interface{}:
		v, err := ReadAny(r)
		if err != nil {
			return err
		}
		if v == nil {
			*t = nil
			return nil
		}
		l, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("%w: expected list/array, got %T", ErrDecode, v)
		}
		*t = l
		return nil
	case *Multiple[Symbol]:
		return unmarshalMultipleSymbol(r, t)
	case *DeliveryState:
		v, err := readDeliveryState(r)
		if err != nil {
			return err
		}
		*t = v
		return nil
	case *AttachTarget:
		v, err := readAttachTarget(r)
		if err != nil {
			return err
		}
		*t = v
		return nil
	case Unmarshaler:
		return t.Unmarshal(r)
	default:
		// Optional fields are decoded through a pointer to a pointer:
		// allocate the pointed-to value and decode into it.
		if rv := reflect.ValueOf(i); rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Kind() == reflect.Ptr {
			p := reflect.New(rv.Elem().Type().Elem())
			if err := Unmarshal(r, p.Interface()); err != nil {
				return err
			}
			rv.Elem().Set(p)
			return nil
		}
		return fmt.Errorf("encoding: unmarshal not implemented for %T", i)
	}
}

func unmarshalMultipleSymbol(r *buffer.Buffer, t *Multiple[Symbol]) error {
	code, err := r.PeekByte()
	if err != nil {
		return err
	}
	switch amqpType(code) {
	case typeCodeArray8, typeCodeArray32:
		v, err := ReadAny(r)
		if err != nil {
			return err
		}
		l, _ := v.([]interface{})
		out := make(Multiple[Symbol], len(l))
		for i, e := range l {
			out[i], _ = e.(Symbol)
		}
		*t = out
		return nil
	case typeCodeNull:
		r.Skip(1)
		*t = nil
		return nil
	default:
		var s Symbol
		if err := Unmarshal(r, &s); err != nil {
			return err
		}
		*t = Multiple[Symbol]{s}
		return nil
	}
}

// readDeliveryState decodes any of the DeliveryState composites by
// peeking the descriptor code.
func readDeliveryState(r *buffer.Buffer) (DeliveryState, error) {
	mark := r.Mark()
	code, err := PeekDescriptorCode(r)
	if err != nil {
		r.Rewind(mark)
		if TryReadNull(r) {
			return nil, nil
		}
		return nil, err
	}
	switch code {
	case TypeCodeStateReceived:
		var s StateReceived
		return &s, s.Unmarshal(r)
	case TypeCodeStateAccepted:
		var s StateAccepted
		return &s, s.Unmarshal(r)
	case TypeCodeStateRejected:
		var s StateRejected
		return &s, s.Unmarshal(r)
	case TypeCodeStateReleased:
		var s StateReleased
		return &s, s.Unmarshal(r)
	case TypeCodeStateModified:
		var s StateModified
		return &s, s.Unmarshal(r)
	case TypeCodeStateDeclared:
		var s StateDeclared
		return &s, s.Unmarshal(r)
	case TypeCodeTransactionalStte:
		var s TransactionalState
		return &s, s.Unmarshal(r)
	default:
		return nil, fmt.Errorf("%w: unknown delivery-state descriptor %#x", ErrDecode, code)
	}
}

// readAttachTarget decodes whichever of Target or Coordinator is
// present, by peeking the descriptor code.
func readAttachTarget(r *buffer.Buffer) (AttachTarget, error) {
	mark := r.Mark()
	code, err := PeekDescriptorCode(r)
	if err != nil {
		r.Rewind(mark)
		if TryReadNull(r) {
			return nil, nil
		}
		return nil, err
	}
	switch code {
	case TypeCodeTarget:
		var t Target
		return &t, t.Unmarshal(r)
	case TypeCodeCoordinator:
		var c Coordinator
		return &c, c.Unmarshal(r)
	default:
		return nil, fmt.Errorf("%w: unknown attach-target descriptor %#x", ErrDecode, code)
	}
}

// --- shared composite types ---

// readCompositeFields validates the descriptor and returns the number
// of list elements present, for the caller to read positionally.
func readCompositeFields(r *buffer.Buffer, want uint64) (uint32, error) {
	code, err := PeekDescriptorCode(r)
	if err != nil {
		return 0, err
	}
	if code != want {
		return 0, fmt.Errorf("%w: expected descriptor %#x, got %#x", ErrDecode, want, code)
	}
	if _, err := ReadDescriptor(r); err != nil {
		return 0, err
	}
	return ReadListHeader(r)
}

func (s *Source) Unmarshal(r *buffer.Buffer) error {
	n, err := readCompositeFields(r, TypeCodeSource)
	if err != nil {
		return err
	}
	fields := []func() error{
		func() error { return Unmarshal(r, &s.Address) },
		func() error { return Unmarshal(r, &s.Durable) },
		func() error { return Unmarshal(r, &s.ExpiryPolicy) },
		func() error { return Unmarshal(r, &s.Timeout) },
		func() error { return Unmarshal(r, &s.Dynamic) },
		func() error { return Unmarshal(r, &s.DynamicNodeProperties) },
		func() error {
			var sym Symbol
			err := Unmarshal(r, &sym)
			s.DistributionMode = sym
			return err
		},
		func() error { return Unmarshal(r, &s.Filter) },
		func() error {
			v, err := readDeliveryState(r)
			s.DefaultOutcome = v
			return err
		},
		func() error { return Unmarshal(r, &s.Outcomes) },
		func() error { return Unmarshal(r, &s.Capabilities) },
	}
	return readPositionalFields(r, n, fields)
}

func (t *Target) Unmarshal(r *buffer.Buffer) error {
	n, err := readCompositeFields(r, TypeCodeTarget)
	if err != nil {
		return err
	}
	fields := []func() error{
		func() error { return Unmarshal(r, &t.Address) },
		func() error { return Unmarshal(r, &t.Durable) },
		func() error { return Unmarshal(r, &t.ExpiryPolicy) },
		func() error { return Unmarshal(r, &t.Timeout) },
		func() error { return Unmarshal(r, &t.Dynamic) },
		func() error { return Unmarshal(r, &t.DynamicNodeProperties) },
		func() error { return Unmarshal(r, &t.Capabilities) },
	}
	return readPositionalFields(r, n, fields)
}

func (c *Coordinator) Unmarshal(r *buffer.Buffer) error {
	n, err := readCompositeFields(r, TypeCodeCoordinator)
	if err != nil {
		return err
	}
	fields := []func() error{
		func() error { return Unmarshal(r, &c.Capabilities) },
	}
	return readPositionalFields(r, n, fields)
}

func (d *Declare) Unmarshal(r *buffer.Buffer) error {
	n, err := readCompositeFields(r, TypeCodeDeclare)
	if err != nil {
		return err
	}
	fields := []func() error{
		func() error {
			v, err := ReadAny(r)
			d.GlobalID = v
			return err
		},
	}
	return readPositionalFields(r, n, fields)
}

func (d *Discharge) Unmarshal(r *buffer.Buffer) error {
	n, err := readCompositeFields(r, TypeCodeDischarge)
	if err != nil {
		return err
	}
	fields := []func() error{
		func() error { return Unmarshal(r, &d.TxnID) },
		func() error { return Unmarshal(r, &d.Fail) },
	}
	return readPositionalFields(r, n, fields)
}

func (sr *StateReceived) Unmarshal(r *buffer.Buffer) error {
	n, err := readCompositeFields(r, TypeCodeStateReceived)
	if err != nil {
		return err
	}
	fields := []func() error{
		func() error { return Unmarshal(r, &sr.SectionNumber) },
		func() error { return Unmarshal(r, &sr.SectionOffset) },
	}
	return readPositionalFields(r, n, fields)
}

func (*StateAccepted) Unmarshal(r *buffer.Buffer) error {
	_, err := readCompositeFields(r, TypeCodeStateAccepted)
	return err
}

func (sr *StateRejected) Unmarshal(r *buffer.Buffer) error {
	n, err := readCompositeFields(r, TypeCodeStateRejected)
	if err != nil {
		return err
	}
	fields := []func() error{
		func() error {
			if TryReadNull(r) {
				return nil
			}
			sr.Error = &Error{}
			return sr.Error.Unmarshal(r)
		},
	}
	return readPositionalFields(r, n, fields)
}

func (*StateReleased) Unmarshal(r *buffer.Buffer) error {
	_, err := readCompositeFields(r, TypeCodeStateReleased)
	return err
}

func (sm *StateModified) Unmarshal(r *buffer.Buffer) error {
	n, err := readCompositeFields(r, TypeCodeStateModified)
	if err != nil {
		return err
	}
	fields := []func() error{
		func() error { return Unmarshal(r, &sm.DeliveryFailed) },
		func() error { return Unmarshal(r, &sm.UndeliverableHere) },
		func() error { return Unmarshal(r, &sm.MessageAnnotations) },
	}
	return readPositionalFields(r, n, fields)
}

func (sd *StateDeclared) Unmarshal(r *buffer.Buffer) error {
	n, err := readCompositeFields(r, TypeCodeStateDeclared)
	if err != nil {
		return err
	}
	fields := []func() error{
		func() error { return Unmarshal(r, &sd.TxnID) },
	}
	return readPositionalFields(r, n, fields)
}

func (ts *TransactionalState) Unmarshal(r *buffer.Buffer) error {
	n, err := readCompositeFields(r, TypeCodeTransactionalStte)
	if err != nil {
		return err
	}
	fields := []func() error{
		func() error { return Unmarshal(r, &ts.TxnID) },
		func() error {
			v, err := readDeliveryState(r)
			ts.Outcome = v
			return err
		},
	}
	return readPositionalFields(r, n, fields)
}

func (e *Error) Unmarshal(r *buffer.Buffer) error {
	n, err := readCompositeFields(r, TypeCodeError)
	if err != nil {
		return err
	}
	fields := []func() error{
		func() error { return Unmarshal(r, &e.Condition) },
		func() error { return Unmarshal(r, &e.Description) },
		func() error { return Unmarshal(r, &e.Info) },
	}
	return readPositionalFields(r, n, fields)
}

func (d *DescribedType) Unmarshal(r *buffer.Buffer) error {
	descriptor, err := ReadDescriptor(r)
	if err != nil {
		return err
	}
	value, err := ReadAny(r)
	if err != nil {
		return err
	}
	d.Descriptor = descriptor
	d.Value = value
	return nil
}

// readPositionalFields calls the first n field readers, leaving any
// remaining (unlisted) fields at their zero values per "missing
// trailing fields default".
func readPositionalFields(r *buffer.Buffer, n uint32, fields []func() error) error {
	if int(n) > len(fields) {
		n = uint32(len(fields))
	}
	for i := uint32(0); i < n; i++ {
		if TryReadNull(r) {
			continue
		}
		if err := fields[i](); err != nil {
			return err
		}
	}
	return nil
}
