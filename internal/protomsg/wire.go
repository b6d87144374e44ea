package protomsg

import (
	"fmt"
	"math"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"
)

// appendString/appendBytes/appendMessage all use the length-delimited wire
// type; appendVarint/appendFixed32/appendFixed64 cover the scalar kinds this
// schema actually uses (no sint/zigzag fields anywhere in it).

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, []byte(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat64(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendFloat32(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func float64FromBits(v uint64) float64 {
	return math.Float64frombits(v)
}

func float32FromBits(v uint32) float32 {
	return math.Float32frombits(v)
}

func appendMessage(b []byte, num protowire.Number, m Message) ([]byte, error) {
	if m == nil || reflect.ValueOf(m).IsNil() {
		return b, nil
	}
	raw, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, raw), nil
}

// fieldIter walks the top-level fields of a serialized message, invoking fn
// for each (number, type, payload). fn returns -1 for a field number it does
// not know, and fieldIter then skips that field with
// protowire.ConsumeFieldValue; malformed wire data returns an error instead
// of panicking, matching protowire's own "return negative length on error"
// convention translated into Go errors for callers in this package.
func fieldIter(data []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("protomsg: invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		consumed, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if consumed < 0 {
			// Unknown field: skip it using protowire's own field-value scanner.
			consumed = protowire.ConsumeFieldValue(num, typ, data)
			if consumed < 0 {
				return fmt.Errorf("protomsg: invalid field %d: %w", num, protowire.ParseError(consumed))
			}
		}
		data = data[consumed:]
	}
	return nil
}
