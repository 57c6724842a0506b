package encoding

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"time"

	"github.com/wirerail/amqp10/internal/buffer"
)

// Unmarshaler is implemented by types with a custom wire decoding.
type Unmarshaler interface {
	Unmarshal(r *buffer.Buffer) error
}

// readType reads the next type constructor byte without consuming any
// following size/descriptor bytes.
func readType(r *buffer.Buffer) (AMQPType, error) {
	b, ok := r.ReadByte()
	if !ok {
		return 0, fmt.Errorf("encoding: buffer underrun reading type code")
	}
	return AMQPType(b), nil
}

// PeekType returns the next type constructor byte without advancing the
// cursor. A described type reports its 0x00 descriptor constructor; use
// PeekCompositeType to read the descriptor code behind it.
func PeekType(r *buffer.Buffer) (AMQPType, error) {
	buf, ok := r.Peek(1)
	if !ok {
		return 0, fmt.Errorf("encoding: buffer underrun peeking type code")
	}
	return AMQPType(buf[0]), nil
}

// UnmarshalAnnotations reads a described annotations map matching code
// (delivery-annotations, message-annotations, or footer) into *out.
func UnmarshalAnnotations(r *buffer.Buffer, code AMQPType, out *Annotations) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	if t != 0x0 {
		return fmt.Errorf("encoding: expected descriptor for annotations %#02x, got type %#02x", code, t)
	}
	descType, err := readType(r)
	if err != nil {
		return err
	}
	var gotCode AMQPType
	switch descType {
	case TypeCodeSmallUlong:
		b, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading descriptor")
		}
		gotCode = AMQPType(b)
	case TypeCodeUlong:
		u, ok := r.ReadUint64()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading descriptor")
		}
		gotCode = AMQPType(u)
	default:
		return fmt.Errorf("encoding: unsupported descriptor encoding %#02x", descType)
	}
	if gotCode != code {
		return fmt.Errorf("encoding: expected annotations descriptor %#02x, got %#02x", code, gotCode)
	}
	return Unmarshal(r, out)
}

// PeekCompositeType returns the descriptor code of the described-list
// composite at r's current position, without consuming any bytes. Used by
// callers (e.g. message section decoding) that must dispatch on a
// composite's identity before choosing which concrete type to decode into.
func PeekCompositeType(r *buffer.Buffer) (AMQPType, error) {
	buf, ok := r.Peek(3)
	if !ok {
		return 0, fmt.Errorf("encoding: buffer underrun peeking composite descriptor")
	}
	if buf[0] != 0x0 {
		return 0, fmt.Errorf("encoding: expected descriptor constructor, got %#02x", buf[0])
	}
	switch AMQPType(buf[1]) {
	case TypeCodeSmallUlong:
		return AMQPType(buf[2]), nil
	case TypeCodeUlong:
		b, ok := r.Peek(10)
		if !ok {
			return 0, fmt.Errorf("encoding: buffer underrun peeking ulong composite descriptor")
		}
		return AMQPType(binary.BigEndian.Uint64(b[2:10])), nil
	default:
		return 0, fmt.Errorf("encoding: unsupported descriptor encoding %#02x", buf[1])
	}
}

// TryReadNull consumes a null if the next byte is one, reporting whether
// it did. Used by field unmarshalers to implement optional fields.
func TryReadNull(r *buffer.Buffer) bool {
	buf, ok := r.Peek(1)
	if ok && AMQPType(buf[0]) == TypeCodeNull {
		r.Skip(1)
		return true
	}
	return false
}

// Unmarshal decodes the next value from r into i, which must be a
// pointer to a supported primitive type or implement Unmarshaler.
func Unmarshal(r *buffer.Buffer, i any) error {
	if u, ok := i.(Unmarshaler); ok {
		return u.Unmarshal(r)
	}

	switch v := i.(type) {
	case **Error:
		if TryReadNull(r) {
			*v = nil
			return nil
		}
		e := &Error{}
		if err := e.Unmarshal(r); err != nil {
			return err
		}
		*v = e
		return nil
	case *DeliveryState:
		if TryReadNull(r) {
			*v = nil
			return nil
		}
		ds, err := unmarshalDeliveryState(r)
		if err != nil {
			return err
		}
		*v = ds
		return nil
	case *bool:
		return unmarshalBool(r, v)
	case **bool:
		return unmarshalPtr(r, v, unmarshalBool)
	case *uint8:
		return unmarshalUint8(r, v)
	case *uint16:
		return unmarshalUint16(r, v)
	case **uint16:
		return unmarshalPtr(r, v, unmarshalUint16)
	case *uint32:
		return unmarshalUint32(r, v)
	case **uint32:
		return unmarshalPtr(r, v, unmarshalUint32)
	case *uint64:
		return unmarshalUint64(r, v)
	case **uint64:
		return unmarshalPtr(r, v, unmarshalUint64)
	case *int32:
		return unmarshalInt32(r, v)
	case *int64:
		return unmarshalInt64(r, v)
	case *string:
		return unmarshalString(r, v)
	case *Symbol:
		return unmarshalSymbol(r, v)
	case *[]byte:
		return unmarshalBinary(r, v)
	case *MultiSymbol:
		return unmarshalMultiSymbol(r, v)
	case *[]Symbol:
		var ms MultiSymbol
		if err := unmarshalMultiSymbol(r, &ms); err != nil {
			return err
		}
		*v = []Symbol(ms)
		return nil
	case *time.Time:
		return unmarshalTimestamp(r, v)
	case *time.Duration:
		var ms Milliseconds
		if err := unmarshalMilliseconds(r, &ms); err != nil {
			return err
		}
		*v = time.Duration(ms)
		return nil
	case *Milliseconds:
		return unmarshalMilliseconds(r, v)
	case *UUID:
		return unmarshalUUID(r, v)
	case *Role:
		var b bool
		if err := unmarshalBool(r, &b); err != nil {
			return err
		}
		*v = Role(b)
		return nil
	case **Role:
		var r2 Role
		if err := Unmarshal(r, &r2); err != nil {
			return err
		}
		*v = &r2
		return nil
	case *SenderSettleMode:
		var b uint8
		if err := unmarshalUint8(r, &b); err != nil {
			return err
		}
		*v = SenderSettleMode(b)
		return nil
	case **SenderSettleMode:
		var m SenderSettleMode
		if err := Unmarshal(r, &m); err != nil {
			return err
		}
		*v = &m
		return nil
	case *ReceiverSettleMode:
		var b uint8
		if err := unmarshalUint8(r, &b); err != nil {
			return err
		}
		*v = ReceiverSettleMode(b)
		return nil
	case **ReceiverSettleMode:
		var m ReceiverSettleMode
		if err := Unmarshal(r, &m); err != nil {
			return err
		}
		*v = &m
		return nil
	case *Durability:
		var u uint32
		if err := unmarshalUint32(r, &u); err != nil {
			return err
		}
		*v = Durability(u)
		return nil
	case *ExpiryPolicy:
		var s Symbol
		if err := unmarshalSymbol(r, &s); err != nil {
			return err
		}
		*v = ExpiryPolicy(s)
		return nil
	case *Fields:
		m, err := unmarshalMap(r)
		if err != nil {
			return err
		}
		out := make(Fields, len(m))
		for k, val := range m {
			out[Symbol(fmt.Sprint(k))] = val
		}
		*v = out
		return nil
	case *Annotations:
		m, err := unmarshalMap(r)
		if err != nil {
			return err
		}
		*v = Annotations(m)
		return nil
	case *map[Symbol]any:
		m, err := unmarshalMap(r)
		if err != nil {
			return err
		}
		out := make(map[Symbol]any, len(m))
		for k, val := range m {
			out[Symbol(fmt.Sprint(k))] = val
		}
		*v = out
		return nil
	case *[]any:
		items, err := unmarshalList(r)
		if err != nil {
			return err
		}
		*v = items
		return nil
	case *any:
		val, err := ReadAny(r)
		if err != nil {
			return err
		}
		*v = val
		return nil
	default:
		if err, ok := unmarshalIndirectUnmarshaler(r, i); ok {
			return err
		}
		return fmt.Errorf("encoding: unmarshal: unsupported target %T", i)
	}
}

// unmarshalIndirectUnmarshaler handles fields declared as a pointer to a
// package-external composite type, e.g. `Field: &a.Source` where Source
// is `*frames.Source`. Those types cannot be named in this package's type
// switch without an import cycle, so they're located by reflection: i must
// be a non-nil pointer to a pointer whose pointee implements Unmarshaler.
func unmarshalIndirectUnmarshaler(r *buffer.Buffer, i any) (error, bool) {
	rv := reflect.ValueOf(i)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return nil, false
	}
	elemType := rv.Type().Elem()
	if elemType.Kind() != reflect.Ptr {
		return nil, false
	}
	if !reflect.PtrTo(elemType.Elem()).Implements(unmarshalerType) {
		return nil, false
	}
	if TryReadNull(r) {
		rv.Elem().Set(reflect.Zero(elemType))
		return nil, true
	}
	fresh := reflect.New(elemType.Elem())
	u := fresh.Interface().(Unmarshaler)
	if err := u.Unmarshal(r); err != nil {
		return err, true
	}
	rv.Elem().Set(fresh)
	return nil, true
}

var unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()

func unmarshalPtr[T any](r *buffer.Buffer, dst **T, read func(*buffer.Buffer, *T) error) error {
	if TryReadNull(r) {
		*dst = nil
		return nil
	}
	var v T
	if err := read(r, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func unmarshalBool(r *buffer.Buffer, v *bool) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeNull:
		*v = false
		return nil
	case TypeCodeBoolTrue:
		*v = true
		return nil
	case TypeCodeBoolFalse:
		*v = false
		return nil
	case TypeCodeBool:
		b, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading bool")
		}
		*v = b != 0
		return nil
	default:
		return fmt.Errorf("encoding: invalid type code %#02x for bool", t)
	}
}

func unmarshalUint8(r *buffer.Buffer, v *uint8) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeNull, TypeCodeUint0, TypeCodeUlong0:
		*v = 0
		return nil
	case TypeCodeUbyte, TypeCodeSmallUint, TypeCodeSmallUlong:
		b, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading ubyte")
		}
		*v = b
		return nil
	default:
		return fmt.Errorf("encoding: invalid type code %#02x for ubyte", t)
	}
}

func unmarshalUint16(r *buffer.Buffer, v *uint16) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeNull:
		*v = 0
		return nil
	case TypeCodeUshort:
		u, ok := r.ReadUint16()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading ushort")
		}
		*v = u
		return nil
	default:
		return fmt.Errorf("encoding: invalid type code %#02x for ushort", t)
	}
}

func unmarshalUint32(r *buffer.Buffer, v *uint32) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeNull, TypeCodeUint0:
		*v = 0
		return nil
	case TypeCodeSmallUint:
		b, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading smalluint")
		}
		*v = uint32(b)
		return nil
	case TypeCodeUint:
		u, ok := r.ReadUint32()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading uint")
		}
		*v = u
		return nil
	default:
		return fmt.Errorf("encoding: invalid type code %#02x for uint", t)
	}
}

func unmarshalUint64(r *buffer.Buffer, v *uint64) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeNull, TypeCodeUlong0:
		*v = 0
		return nil
	case TypeCodeSmallUlong:
		b, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading smallulong")
		}
		*v = uint64(b)
		return nil
	case TypeCodeUlong:
		u, ok := r.ReadUint64()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading ulong")
		}
		*v = u
		return nil
	default:
		return fmt.Errorf("encoding: invalid type code %#02x for ulong", t)
	}
}

func unmarshalInt32(r *buffer.Buffer, v *int32) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeNull:
		*v = 0
		return nil
	case TypeCodeSmallint:
		b, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading smallint")
		}
		*v = int32(int8(b))
		return nil
	case TypeCodeInt:
		u, ok := r.ReadUint32()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading int")
		}
		*v = int32(u)
		return nil
	default:
		return fmt.Errorf("encoding: invalid type code %#02x for int", t)
	}
}

func unmarshalInt64(r *buffer.Buffer, v *int64) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeNull:
		*v = 0
		return nil
	case TypeCodeSmalllong:
		b, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading smalllong")
		}
		*v = int64(int8(b))
		return nil
	case TypeCodeLong:
		u, ok := r.ReadUint64()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading long")
		}
		*v = int64(u)
		return nil
	default:
		return fmt.Errorf("encoding: invalid type code %#02x for long", t)
	}
}

func unmarshalString(r *buffer.Buffer, v *string) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	var n int64
	switch t {
	case TypeCodeNull:
		*v = ""
		return nil
	case TypeCodeStr8:
		b, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading str8 length")
		}
		n = int64(b)
	case TypeCodeStr32:
		u, ok := r.ReadUint32()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading str32 length")
		}
		n = int64(u)
	default:
		return fmt.Errorf("encoding: invalid type code %#02x for string", t)
	}
	buf, ok := r.Next(n)
	if !ok {
		return fmt.Errorf("encoding: buffer underrun reading string body")
	}
	*v = string(buf)
	return nil
}

func unmarshalSymbol(r *buffer.Buffer, v *Symbol) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	var n int64
	switch t {
	case TypeCodeNull:
		*v = ""
		return nil
	case TypeCodeSym8:
		b, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading sym8 length")
		}
		n = int64(b)
	case TypeCodeSym32:
		u, ok := r.ReadUint32()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading sym32 length")
		}
		n = int64(u)
	default:
		return fmt.Errorf("encoding: invalid type code %#02x for symbol", t)
	}
	buf, ok := r.Next(n)
	if !ok {
		return fmt.Errorf("encoding: buffer underrun reading symbol body")
	}
	*v = Symbol(buf)
	return nil
}

func unmarshalBinary(r *buffer.Buffer, v *[]byte) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	var n int64
	switch t {
	case TypeCodeNull:
		*v = nil
		return nil
	case TypeCodeVbin8:
		b, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading vbin8 length")
		}
		n = int64(b)
	case TypeCodeVbin32:
		u, ok := r.ReadUint32()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading vbin32 length")
		}
		n = int64(u)
	default:
		return fmt.Errorf("encoding: invalid type code %#02x for binary", t)
	}
	buf, ok := r.Next(n)
	if !ok {
		return fmt.Errorf("encoding: buffer underrun reading binary body")
	}
	*v = append([]byte(nil), buf...)
	return nil
}

func unmarshalTimestamp(r *buffer.Buffer, v *time.Time) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	if t == TypeCodeNull {
		*v = time.Time{}
		return nil
	}
	if t != TypeCodeTimestamp {
		return fmt.Errorf("encoding: invalid type code %#02x for timestamp", t)
	}
	ms, ok := r.ReadUint64()
	if !ok {
		return fmt.Errorf("encoding: buffer underrun reading timestamp")
	}
	*v = time.Unix(0, int64(ms)*int64(time.Millisecond)).UTC()
	return nil
}

func unmarshalMilliseconds(r *buffer.Buffer, v *Milliseconds) error {
	var t time.Time
	if err := unmarshalTimestamp(r, &t); err != nil {
		return err
	}
	*v = Milliseconds(time.Duration(t.UnixNano()))
	return nil
}

func unmarshalUUID(r *buffer.Buffer, v *UUID) error {
	t, err := readType(r)
	if err != nil {
		return err
	}
	if t == TypeCodeNull {
		*v = UUID{}
		return nil
	}
	if t != TypeCodeUUID {
		return fmt.Errorf("encoding: invalid type code %#02x for uuid", t)
	}
	buf, ok := r.Next(16)
	if !ok {
		return fmt.Errorf("encoding: buffer underrun reading uuid")
	}
	copy(v[:], buf)
	return nil
}

func unmarshalMultiSymbol(r *buffer.Buffer, v *MultiSymbol) error {
	t, err := PeekType(r)
	if err != nil {
		return err
	}
	if t == TypeCodeSym8 || t == TypeCodeSym32 {
		var s Symbol
		if err := unmarshalSymbol(r, &s); err != nil {
			return err
		}
		*v = MultiSymbol{s}
		return nil
	}
	items, err := unmarshalArray(r)
	if err != nil {
		return err
	}
	out := make(MultiSymbol, len(items))
	for i, it := range items {
		s, _ := it.(Symbol)
		out[i] = s
	}
	*v = out
	return nil
}

func unmarshalArray(r *buffer.Buffer) ([]any, error) {
	t, err := readType(r)
	if err != nil {
		return nil, err
	}
	if t == TypeCodeNull {
		return nil, nil
	}
	var size, count uint32
	switch t {
	case TypeCodeArray8:
		b, ok := r.ReadByte()
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading array8 size")
		}
		size = uint32(b)
		c, ok := r.ReadByte()
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading array8 count")
		}
		count = uint32(c)
	case TypeCodeArray32:
		s, ok := r.ReadUint32()
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading array32 size")
		}
		size = s
		c, ok := r.ReadUint32()
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading array32 count")
		}
		count = c
	default:
		return nil, fmt.Errorf("encoding: invalid type code %#02x for array", t)
	}
	_ = size

	elemType, err := readType(r)
	if err != nil {
		return nil, err
	}

	items := make([]any, count)
	for i := range items {
		v, err := readValueOfType(r, elemType)
		if err != nil {
			return nil, err
		}
		items[i] = v
	}
	return items, nil
}

// readValueOfType decodes a value whose type constructor has already
// been consumed (array elements share one constructor for the array).
func readValueOfType(r *buffer.Buffer, t AMQPType) (any, error) {
	switch t {
	case TypeCodeSym8:
		b, _ := r.ReadByte()
		buf, ok := r.Next(int64(b))
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading array sym8")
		}
		return Symbol(buf), nil
	case TypeCodeSym32:
		n, _ := r.ReadUint32()
		buf, ok := r.Next(int64(n))
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading array sym32")
		}
		return Symbol(buf), nil
	case TypeCodeUint:
		u, ok := r.ReadUint32()
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading array uint")
		}
		return u, nil
	case TypeCodeUlong:
		u, ok := r.ReadUint64()
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading array ulong")
		}
		return u, nil
	default:
		return nil, fmt.Errorf("encoding: unsupported array element type %#02x", t)
	}
}

func unmarshalList(r *buffer.Buffer) ([]any, error) {
	t, err := readType(r)
	if err != nil {
		return nil, err
	}
	var count uint32
	switch t {
	case TypeCodeNull:
		return nil, nil
	case TypeCodeList0:
		return nil, nil
	case TypeCodeList8:
		if _, ok := r.ReadByte(); !ok { // size
			return nil, fmt.Errorf("encoding: buffer underrun reading list8 size")
		}
		c, ok := r.ReadByte()
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading list8 count")
		}
		count = uint32(c)
	case TypeCodeList32:
		if _, ok := r.ReadUint32(); !ok { // size
			return nil, fmt.Errorf("encoding: buffer underrun reading list32 size")
		}
		c, ok := r.ReadUint32()
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading list32 count")
		}
		count = c
	default:
		return nil, fmt.Errorf("encoding: invalid type code %#02x for list", t)
	}

	items := make([]any, count)
	for i := range items {
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		items[i] = v
	}
	return items, nil
}

func unmarshalMap(r *buffer.Buffer) (map[any]any, error) {
	t, err := readType(r)
	if err != nil {
		return nil, err
	}
	var count uint32
	switch t {
	case TypeCodeNull:
		return nil, nil
	case TypeCodeMap8:
		if _, ok := r.ReadByte(); !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading map8 size")
		}
		c, ok := r.ReadByte()
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading map8 count")
		}
		count = uint32(c)
	case TypeCodeMap32:
		if _, ok := r.ReadUint32(); !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading map32 size")
		}
		c, ok := r.ReadUint32()
		if !ok {
			return nil, fmt.Errorf("encoding: buffer underrun reading map32 count")
		}
		count = c
	default:
		return nil, fmt.Errorf("encoding: invalid type code %#02x for map", t)
	}

	m := make(map[any]any, count/2)
	for i := uint32(0); i < count; i += 2 {
		k, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// ReadAny decodes the next value generically, used for map values, list
// elements, and other "any amqp type" positions.
func ReadAny(r *buffer.Buffer) (any, error) {
	t, err := PeekType(r)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeCodeNull:
		r.Skip(1)
		return nil, nil
	case TypeCodeBool, TypeCodeBoolTrue, TypeCodeBoolFalse:
		var v bool
		return v, unmarshalBool(r, &v)
	case TypeCodeUbyte, TypeCodeSmallUint, TypeCodeUint0:
		var v uint32
		return v, unmarshalUint32(r, &v)
	case TypeCodeUshort:
		var v uint16
		return v, unmarshalUint16(r, &v)
	case TypeCodeUint:
		var v uint32
		return v, unmarshalUint32(r, &v)
	case TypeCodeSmallUlong, TypeCodeUlong0:
		var v uint64
		return v, unmarshalUint64(r, &v)
	case TypeCodeUlong:
		var v uint64
		return v, unmarshalUint64(r, &v)
	case TypeCodeSmallint:
		var v int32
		return v, unmarshalInt32(r, &v)
	case TypeCodeInt:
		var v int32
		return v, unmarshalInt32(r, &v)
	case TypeCodeSmalllong:
		var v int64
		return v, unmarshalInt64(r, &v)
	case TypeCodeLong:
		var v int64
		return v, unmarshalInt64(r, &v)
	case TypeCodeStr8, TypeCodeStr32:
		var v string
		return v, unmarshalString(r, &v)
	case TypeCodeSym8, TypeCodeSym32:
		var v Symbol
		return v, unmarshalSymbol(r, &v)
	case TypeCodeVbin8, TypeCodeVbin32:
		var v []byte
		return v, unmarshalBinary(r, &v)
	case TypeCodeTimestamp:
		var v time.Time
		return v, unmarshalTimestamp(r, &v)
	case TypeCodeUUID:
		var v UUID
		return v, unmarshalUUID(r, &v)
	case TypeCodeList0, TypeCodeList8, TypeCodeList32:
		return unmarshalList(r)
	case TypeCodeMap8, TypeCodeMap32:
		return unmarshalMap(r)
	case TypeCodeArray8, TypeCodeArray32:
		return unmarshalArray(r)
	default:
		// described type: small-ulong descriptor byte sequence (0x0, code-type, code)
		if t == 0x0 {
			r.Skip(1)
			descCode, err := readType(r)
			if err != nil {
				return nil, err
			}
			var descriptor uint64
			switch descCode {
			case TypeCodeSmallUlong:
				b, _ := r.ReadByte()
				descriptor = uint64(b)
			case TypeCodeUlong:
				u, _ := r.ReadUint64()
				descriptor = u
			}
			val, err := ReadAny(r)
			if err != nil {
				return nil, err
			}
			return &DescribedType{Descriptor: descriptor, Value: val}, nil
		}
		return nil, fmt.Errorf("encoding: unsupported type code %#02x", t)
	}
}

// UnmarshalField is one field of a composite's field list, in
// declaration order. Decode, when set, is called instead of the generic
// Unmarshal dispatch — used for fields whose wire representation can be
// one of several composite types (e.g. attach's target, which is either
// a target or a coordinator).
type UnmarshalField struct {
	Field      any
	HandleNull func() error
	Decode     func(r *buffer.Buffer) error
}

// UnmarshalComposite reads a described-list composite matching code and
// populates fields in order. Fields beyond the encoded field count are
// left untouched (they take their zero value, per AMQP's rule that
// trailing omitted fields default).
func UnmarshalComposite(r *buffer.Buffer, code AMQPType, fields ...UnmarshalField) error {
	if TryReadNull(r) {
		return fmt.Errorf("encoding: expected composite %#02x, got null", code)
	}

	t, err := readType(r)
	if err != nil {
		return err
	}
	if t != 0x0 {
		return fmt.Errorf("encoding: expected descriptor for composite %#02x, got type %#02x", code, t)
	}
	descType, err := readType(r)
	if err != nil {
		return err
	}
	var gotCode AMQPType
	switch descType {
	case TypeCodeSmallUlong:
		b, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading descriptor")
		}
		gotCode = AMQPType(b)
	case TypeCodeUlong:
		u, ok := r.ReadUint64()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading descriptor")
		}
		gotCode = AMQPType(u)
	default:
		return fmt.Errorf("encoding: unsupported descriptor encoding %#02x", descType)
	}
	if gotCode != code {
		return fmt.Errorf("encoding: expected composite descriptor %#02x, got %#02x", code, gotCode)
	}

	listType, err := readType(r)
	if err != nil {
		return err
	}
	var count uint32
	switch listType {
	case TypeCodeList0:
		count = 0
	case TypeCodeList8:
		if _, ok := r.ReadByte(); !ok {
			return fmt.Errorf("encoding: buffer underrun reading composite size")
		}
		c, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading composite count")
		}
		count = uint32(c)
	case TypeCodeList32:
		if _, ok := r.ReadUint32(); !ok {
			return fmt.Errorf("encoding: buffer underrun reading composite size")
		}
		c, ok := r.ReadUint32()
		if !ok {
			return fmt.Errorf("encoding: buffer underrun reading composite count")
		}
		count = c
	default:
		return fmt.Errorf("encoding: unsupported composite body encoding %#02x", listType)
	}

	for i := uint32(0); i < count && int(i) < len(fields); i++ {
		f := fields[i]
		if TryReadNull(r) {
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}
		if f.Decode != nil {
			if err := f.Decode(r); err != nil {
				return err
			}
			continue
		}
		if err := Unmarshal(r, f.Field); err != nil {
			return err
		}
	}
	// any remaining encoded fields beyond what the caller declared are
	// extension fields; skip them.
	for i := uint32(len(fields)); i < count; i++ {
		if _, err := ReadAny(r); err != nil {
			return err
		}
	}
	// any declared fields beyond what was encoded are absent; run their
	// null handler so required-field validation still fires.
	for i := count; i < uint32(len(fields)); i++ {
		if fields[i].HandleNull != nil {
			if err := fields[i].HandleNull(); err != nil {
				return err
			}
		}
	}
	return nil
}
