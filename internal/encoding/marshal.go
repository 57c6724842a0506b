package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/wirerail/amqp10/internal/buffer"
)

// Marshaler is implemented by types with a custom wire encoding (composite
// performatives, terminus descriptions, delivery states, described types).
type Marshaler interface {
	Marshal(wr *buffer.Buffer) error
}

// Marshal encodes i onto wr. It dispatches to i.Marshal when i implements
// Marshaler, otherwise it encodes one of the built-in AMQP primitive types.
func Marshal(wr *buffer.Buffer, i any) error {
	switch v := i.(type) {
	case nil:
		wr.AppendByte(byte(TypeCodeNull))
		return nil
	case Marshaler:
		return v.Marshal(wr)
	case bool:
		if v {
			wr.AppendByte(byte(TypeCodeBoolTrue))
		} else {
			wr.AppendByte(byte(TypeCodeBoolFalse))
		}
		return nil
	case *bool:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, *v)
	case uint8:
		wr.AppendByte(byte(TypeCodeUbyte))
		wr.AppendByte(v)
		return nil
	case *uint8:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, *v)
	case uint16:
		wr.AppendByte(byte(TypeCodeUshort))
		wr.AppendUint16(v)
		return nil
	case *uint16:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, *v)
	case uint32:
		return writeUint32(wr, v)
	case *uint32:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return writeUint32(wr, *v)
	case uint64:
		return writeUint64(wr, v)
	case *uint64:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return writeUint64(wr, *v)
	case int8:
		wr.AppendByte(byte(TypeCodeByte))
		wr.AppendByte(byte(v))
		return nil
	case int16:
		wr.AppendByte(byte(TypeCodeShort))
		wr.AppendUint16(uint16(v))
		return nil
	case int32:
		return writeInt32(wr, v)
	case *int32:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return writeInt32(wr, *v)
	case int64:
		return writeInt64(wr, v)
	case *int64:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return writeInt64(wr, *v)
	case int:
		return writeInt64(wr, int64(v))
	case float32:
		wr.AppendByte(byte(TypeCodeFloat))
		wr.AppendUint32(math.Float32bits(v))
		return nil
	case float64:
		wr.AppendByte(byte(TypeCodeDouble))
		wr.AppendUint64(math.Float64bits(v))
		return nil
	case string:
		return writeString(wr, v)
	case *string:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return writeString(wr, *v)
	case Symbol:
		return writeSymbol(wr, v)
	case *Symbol:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return writeSymbol(wr, *v)
	case []byte:
		return writeBinary(wr, v)
	case *[]byte:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return writeBinary(wr, *v)
	case MultiSymbol:
		return writeMultiSymbol(wr, v)
	case *MultiSymbol:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return writeMultiSymbol(wr, *v)
	case []Symbol:
		return writeMultiSymbol(wr, MultiSymbol(v))
	case *[]Symbol:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return writeMultiSymbol(wr, MultiSymbol(*v))
	case time.Time:
		writeTimestamp(wr, v)
		return nil
	case *time.Time:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		writeTimestamp(wr, *v)
		return nil
	case time.Duration:
		return Marshal(wr, Milliseconds(v))
	case Milliseconds:
		writeTimestamp(wr, time.Unix(0, 0).Add(time.Duration(v)))
		return nil
	case *Milliseconds:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, *v)
	case UUID:
		wr.AppendByte(byte(TypeCodeUUID))
		_, _ = wr.Write(v[:])
		return nil
	case Role:
		return Marshal(wr, bool(v))
	case *Role:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, *v)
	case SenderSettleMode:
		return Marshal(wr, uint8(v))
	case *SenderSettleMode:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, uint8(*v))
	case ReceiverSettleMode:
		return Marshal(wr, uint8(v))
	case *ReceiverSettleMode:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, uint8(*v))
	case Durability:
		return Marshal(wr, uint32(v))
	case *Durability:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, uint32(*v))
	case ExpiryPolicy:
		return writeSymbol(wr, Symbol(v))
	case *ExpiryPolicy:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return writeSymbol(wr, Symbol(*v))
	case Fields:
		return writeMap(wr, v)
	case Annotations:
		return writeMap(wr, v)
	case map[Symbol]any:
		return writeMap(wr, v)
	case map[any]any:
		return writeMap(wr, v)
	case []any:
		return writeList(wr, v)
	case DescribedType:
		wr.AppendByte(0x0)
		if err := Marshal(wr, v.Descriptor); err != nil {
			return err
		}
		return Marshal(wr, v.Value)
	case *DescribedType:
		if v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		wr.AppendByte(0x0)
		if err := Marshal(wr, v.Descriptor); err != nil {
			return err
		}
		return Marshal(wr, v.Value)
	case *any:
		if v == nil || *v == nil {
			wr.AppendByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, *v)
	default:
		return fmt.Errorf("encoding: marshal: unsupported type %T", i)
	}
}

func writeInt32(wr *buffer.Buffer, n int32) error {
	if n < 128 && n >= -128 {
		wr.AppendByte(byte(TypeCodeSmallint))
		wr.AppendByte(byte(n))
		return nil
	}
	wr.AppendByte(byte(TypeCodeInt))
	wr.AppendUint32(uint32(n))
	return nil
}

func writeInt64(wr *buffer.Buffer, n int64) error {
	if n < 128 && n >= -128 {
		wr.AppendByte(byte(TypeCodeSmalllong))
		wr.AppendByte(byte(n))
		return nil
	}
	wr.AppendByte(byte(TypeCodeLong))
	wr.AppendUint64(uint64(n))
	return nil
}

func writeUint32(wr *buffer.Buffer, n uint32) error {
	switch {
	case n == 0:
		wr.AppendByte(byte(TypeCodeUint0))
	case n < 256:
		wr.AppendByte(byte(TypeCodeSmallUint))
		wr.AppendByte(byte(n))
	default:
		wr.AppendByte(byte(TypeCodeUint))
		wr.AppendUint32(n)
	}
	return nil
}

func writeUint64(wr *buffer.Buffer, n uint64) error {
	switch {
	case n == 0:
		wr.AppendByte(byte(TypeCodeUlong0))
	case n < 256:
		wr.AppendByte(byte(TypeCodeSmallUlong))
		wr.AppendByte(byte(n))
	default:
		wr.AppendByte(byte(TypeCodeUlong))
		wr.AppendUint64(n)
	}
	return nil
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) {
	wr.AppendByte(byte(TypeCodeTimestamp))
	ms := t.UnixNano() / int64(time.Millisecond)
	wr.AppendUint64(uint64(ms))
}

func writeString(wr *buffer.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return errors.New("encoding: not a valid UTF-8 string")
	}
	l := len(s)
	switch {
	case l < 256:
		wr.AppendByte(byte(TypeCodeStr8))
		wr.AppendByte(byte(l))
	case uint(l) <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeStr32))
		wr.AppendUint32(uint32(l))
	default:
		return errors.New("encoding: string too long")
	}
	wr.WriteString(s)
	return nil
}

// WriteDescriptor writes a small-ulong descriptor for a composite type
// code. Exported for callers (e.g. internal/fake) that build raw frames
// by hand.
func WriteDescriptor(wr *buffer.Buffer, code AMQPType) {
	wr.AppendByte(0x0)
	wr.AppendByte(byte(TypeCodeSmallUlong))
	wr.AppendByte(byte(code))
}

func writeSymbol(wr *buffer.Buffer, s Symbol) error {
	l := len(s)
	switch {
	case l < 256:
		wr.AppendByte(byte(TypeCodeSym8))
		wr.AppendByte(byte(l))
	case uint(l) <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeSym32))
		wr.AppendUint32(uint32(l))
	default:
		return errors.New("encoding: symbol too long")
	}
	wr.WriteString(string(s))
	return nil
}

// WriteBinary writes a variable-length binary value. Exported for
// internal/fake's hand-built test frames.
func WriteBinary(wr *buffer.Buffer, bin []byte) error {
	return writeBinary(wr, bin)
}

func writeBinary(wr *buffer.Buffer, bin []byte) error {
	l := len(bin)
	switch {
	case l < 256:
		wr.AppendByte(byte(TypeCodeVbin8))
		wr.AppendByte(byte(l))
	case uint(l) <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeVbin32))
		wr.AppendUint32(uint32(l))
	default:
		return errors.New("encoding: binary too long")
	}
	_, _ = wr.Write(bin)
	return nil
}

func writeMultiSymbol(wr *buffer.Buffer, ms MultiSymbol) error {
	if len(ms) == 1 {
		return writeSymbol(wr, ms[0])
	}
	symbols := make([]any, len(ms))
	for i, s := range ms {
		symbols[i] = s
	}
	return writeArray(wr, symbols, TypeCodeSym32)
}

func writeArray(wr *buffer.Buffer, items []any, elemCode AMQPType) error {
	startIdx := wr.Len()
	wr.AppendByte(byte(TypeCodeArray32))
	wr.Write([]byte{0, 0, 0, 0})
	wr.AppendUint32(uint32(len(items)))
	if len(items) > 0 {
		switch v := items[0].(type) {
		case Symbol:
			wr.AppendByte(byte(TypeCodeSym32))
			for _, it := range items {
				s := it.(Symbol)
				wr.AppendUint32(uint32(len(s)))
				wr.WriteString(string(s))
			}
		default:
			_ = v
			for _, it := range items {
				if err := Marshal(wr, it); err != nil {
					return err
				}
			}
		}
	}
	buf := wr.Bytes()
	size := uint32(len(buf) - startIdx - 5)
	binary.BigEndian.PutUint32(buf[startIdx+1:], size)
	return nil
}

func writeList(wr *buffer.Buffer, items []any) error {
	startIdx := wr.Len()
	wr.AppendByte(byte(TypeCodeList32))
	wr.Write([]byte{0, 0, 0, 0})
	preLen := wr.Len()
	wr.AppendUint32(uint32(len(items)))
	for _, it := range items {
		if err := Marshal(wr, it); err != nil {
			return err
		}
	}
	buf := wr.Bytes()
	size := uint32(wr.Len() - preLen)
	binary.BigEndian.PutUint32(buf[startIdx+1:], size)
	return nil
}

func writeMap(wr *buffer.Buffer, m any) error {
	startIdx := wr.Len()
	wr.AppendByte(byte(TypeCodeMap32))
	wr.Write([]byte{0, 0, 0, 0})
	preLen := wr.Len()

	var count int
	var err error
	switch mm := m.(type) {
	case Fields:
		count = len(mm) * 2
		for k, v := range mm {
			if err = Marshal(wr, k); err != nil {
				return err
			}
			if err = Marshal(wr, v); err != nil {
				return err
			}
		}
	case Annotations:
		count = len(mm) * 2
		for k, v := range mm {
			if err = Marshal(wr, k); err != nil {
				return err
			}
			if err = Marshal(wr, v); err != nil {
				return err
			}
		}
	case map[Symbol]any:
		count = len(mm) * 2
		for k, v := range mm {
			if err = Marshal(wr, k); err != nil {
				return err
			}
			if err = Marshal(wr, v); err != nil {
				return err
			}
		}
	case map[any]any:
		count = len(mm) * 2
		for k, v := range mm {
			if err = Marshal(wr, k); err != nil {
				return err
			}
			if err = Marshal(wr, v); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("encoding: unsupported map type %T", m)
	}

	buf := wr.Bytes()
	binary.BigEndian.PutUint32(buf[startIdx+1:], uint32(wr.Len()-preLen))
	_ = count
	return nil
}

// MarshalAnnotations writes a described annotations map (delivery-
// annotations, message-annotations, or footer): a small-ulong descriptor
// for code followed directly by the map, with no field-list wrapper.
func MarshalAnnotations(wr *buffer.Buffer, code AMQPType, a Annotations) error {
	WriteDescriptor(wr, code)
	return Marshal(wr, a)
}

// MarshalField is one field of a composite's field list, supplied in
// declaration order. Omit causes the field to be written as null, or
// dropped entirely if no later field in the composite is non-omitted.
type MarshalField struct {
	Value any
	Omit  bool
}

// MarshalComposite writes a described-list composite: a small-ulong
// descriptor for code, followed by a list32 of the given fields.
// Trailing omitted fields are elided rather than written as null,
// matching the AMQP encoding of optional trailing fields.
func MarshalComposite(wr *buffer.Buffer, code AMQPType, fields []MarshalField) error {
	lastSetIdx := -1
	for i, f := range fields {
		if !f.Omit {
			lastSetIdx = i
		}
	}

	if lastSetIdx == -1 {
		wr.AppendByte(0x0)
		wr.AppendByte(byte(TypeCodeSmallUlong))
		wr.AppendByte(byte(code))
		wr.AppendByte(byte(TypeCodeList0))
		return nil
	}

	WriteDescriptor(wr, code)
	wr.AppendByte(byte(TypeCodeList32))

	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	preFieldLen := wr.Len()

	wr.AppendUint32(uint32(lastSetIdx + 1))

	for _, f := range fields[:lastSetIdx+1] {
		if f.Omit {
			wr.AppendByte(byte(TypeCodeNull))
			continue
		}
		if err := Marshal(wr, f.Value); err != nil {
			return err
		}
	}

	buf := wr.Bytes()
	size := uint32(wr.Len() - preFieldLen)
	binary.BigEndian.PutUint32(buf[sizeIdx:], size)
	return nil
}
