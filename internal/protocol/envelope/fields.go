package envelope

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("envelope: malformed message")

// Field is one top level protobuf field. For length-delimited fields Value is
// the content without its length prefix; for every other wire type it is the
// raw encoded value.
type Field struct {
	Number protowire.Number
	Type   protowire.Type
	Value  []byte
}

// Uint decodes a varint field.
func (f Field) Uint() (uint64, bool) {
	if f.Type != protowire.VarintType {
		return 0, false
	}
	v, n := protowire.ConsumeVarint(f.Value)
	return v, n > 0
}

func VarintField(num protowire.Number, v uint64) Field {
	return Field{Number: num, Type: protowire.VarintType, Value: protowire.AppendVarint(nil, v)}
}

func BytesField(num protowire.Number, v []byte) Field {
	return Field{Number: num, Type: protowire.BytesType, Value: v}
}

func StringField(num protowire.Number, s string) Field {
	return BytesField(num, []byte(s))
}

func AppendField(dst []byte, f Field) []byte {
	dst = protowire.AppendTag(dst, f.Number, f.Type)
	if f.Type == protowire.BytesType {
		return protowire.AppendBytes(dst, f.Value)
	}
	return append(dst, f.Value...)
}

func EncodeFields(fields []Field) []byte {
	var out []byte
	for _, f := range fields {
		out = AppendField(out, f)
	}
	return out
}

// DecodeFields splits a message into its fields, keeping unknown ones.
func DecodeFields(b []byte) ([]Field, error) {
	fields := make([]Field, 0)
	for i := 0; i < len(b); {
		num, typ, n := protowire.ConsumeTag(b[i:])
		if n < 0 {
			return nil, fmt.Errorf("%w: tag at %d: %v", ErrMalformed, i, protowire.ParseError(n))
		}
		i += n
		m := protowire.ConsumeFieldValue(num, typ, b[i:])
		if m < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		raw := b[i : i+m]
		i += m
		if typ == protowire.BytesType {
			raw, _ = protowire.ConsumeBytes(raw)
		}
		val := make([]byte, len(raw))
		copy(val, raw)
		fields = append(fields, Field{Number: num, Type: typ, Value: val})
	}
	return fields, nil
}

// GetField returns the last occurrence of num, matching protobuf's
// last-one-wins rule for singular fields.
func GetField(fields []Field, num protowire.Number) (Field, bool) {
	for i := len(fields) - 1; i >= 0; i-- {
		if fields[i].Number == num {
			return fields[i], true
		}
	}
	return Field{}, false
}
