// Package entity holds the attribute values of mapping entities, such as the context a mapping attaches to a
// dynamic data source.
package entity

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"

	"golang.org/x/xerrors"
)

// An Attribute is the name of an entity attribute.
type Attribute = string

// ValueType names the kind of an attribute value.
type ValueType string

const (
	StringType ValueType = "String"
	IntType    ValueType = "Int"
	FloatType  ValueType = "Float"
	BoolType   ValueType = "Bool"
	ListType   ValueType = "List"
	NullType   ValueType = "Null"
	BytesType  ValueType = "Bytes"
	BigIntType ValueType = "BigInt"
)

// A Value is a single attribute value. The zero Value is Null.
type Value struct {
	typ   ValueType
	str   string
	i     int32
	f     float32
	b     bool
	list  []Value
	bytes []byte
	big   *big.Int
}

func String(s string) Value   { return Value{typ: StringType, str: s} }
func Int(i int32) Value       { return Value{typ: IntType, i: i} }
func Float(f float32) Value   { return Value{typ: FloatType, f: f} }
func Bool(b bool) Value       { return Value{typ: BoolType, b: b} }
func Null() Value             { return Value{typ: NullType} }
func List(vs ...Value) Value  { return Value{typ: ListType, list: append([]Value(nil), vs...)} }
func Bytes(bs []byte) Value   { return Value{typ: BytesType, bytes: append([]byte(nil), bs...)} }
func BigInt(n *big.Int) Value { return Value{typ: BigIntType, big: new(big.Int).Set(n)} }

// ParseBigInt parses a decimal string into a BigInt value.
func ParseBigInt(s string) (Value, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Value{}, xerrors.Errorf("value is not a number: %q", s)
	}
	return Value{typ: BigIntType, big: n}, nil
}

// ParseBytes parses a hex string, optionally prefixed with 0x, into a Bytes value.
func ParseBytes(s string) (Value, error) {
	bs, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Value{}, xerrors.Errorf("value is not a hex string: %w", err)
	}
	return Value{typ: BytesType, bytes: bs}, nil
}

func (v Value) Type() ValueType {
	if v.typ == "" {
		return NullType
	}
	return v.typ
}

func (v Value) IsNull() bool { return v.Type() == NullType }

func (v Value) AsString() (string, bool)   { return v.str, v.typ == StringType }
func (v Value) AsInt() (int32, bool)       { return v.i, v.typ == IntType }
func (v Value) AsFloat() (float32, bool)   { return v.f, v.typ == FloatType }
func (v Value) AsBool() (bool, bool)       { return v.b, v.typ == BoolType }
func (v Value) AsList() ([]Value, bool)    { return v.list, v.typ == ListType }
func (v Value) AsBytes() ([]byte, bool)    { return v.bytes, v.typ == BytesType }
func (v Value) AsBigInt() (*big.Int, bool) { return v.big, v.typ == BigIntType }

// String formats the value the way it is rendered in query results: bytes as 0x-prefixed hex and big integers
// in decimal.
func (v Value) String() string {
	return string(v.encodeData())
}

// Equal reports whether two values have the same type and content.
func (v Value) Equal(o Value) bool {
	if v.Type() != o.Type() {
		return false
	}
	switch v.Type() {
	case ListType:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case BigIntType:
		return v.big.Cmp(o.big) == 0
	default:
		return string(v.encodeData()) == string(o.encodeData())
	}
}

type valueJSON struct {
	Type ValueType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (v Value) encodeData() json.RawMessage {
	var data interface{}
	switch v.Type() {
	case StringType:
		data = v.str
	case IntType:
		data = v.i
	case FloatType:
		data = v.f
	case BoolType:
		data = v.b
	case ListType:
		data = v.list
	case BytesType:
		data = "0x" + hex.EncodeToString(v.bytes)
	case BigIntType:
		data = v.big.String()
	default:
		return json.RawMessage("null")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(valueJSON{Type: v.Type(), Data: v.encodeData()})
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var vj valueJSON
	if err := json.Unmarshal(b, &vj); err != nil {
		return err
	}

	switch vj.Type {
	case StringType:
		var s string
		if err := json.Unmarshal(vj.Data, &s); err != nil {
			return err
		}
		*v = String(s)
	case IntType:
		var i int32
		if err := json.Unmarshal(vj.Data, &i); err != nil {
			return err
		}
		*v = Int(i)
	case FloatType:
		var f float32
		if err := json.Unmarshal(vj.Data, &f); err != nil {
			return err
		}
		*v = Float(f)
	case BoolType:
		var bl bool
		if err := json.Unmarshal(vj.Data, &bl); err != nil {
			return err
		}
		*v = Bool(bl)
	case ListType:
		var vs []Value
		if err := json.Unmarshal(vj.Data, &vs); err != nil {
			return err
		}
		*v = Value{typ: ListType, list: vs}
	case BytesType, BigIntType:
		var s string
		if err := json.Unmarshal(vj.Data, &s); err != nil {
			return err
		}
		parse := ParseBytes
		if vj.Type == BigIntType {
			parse = ParseBigInt
		}
		parsed, err := parse(s)
		if err != nil {
			return err
		}
		*v = parsed
	case NullType, "":
		*v = Null()
	default:
		return xerrors.Errorf("unknown value type %q", vj.Type)
	}
	return nil
}
