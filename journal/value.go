package journal

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/hxrts/aura/interfaces"
)

// ValueKind discriminates the closed sum of fact values.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindString
	KindBytes
	KindList
	KindMap
)

// Value is a fact value: null, boolean, integer, string, bytes, list, or
// map. Values serialize as canonical CBOR and compare by their canonical
// encoding.
type Value struct {
	Kind  ValueKind        `cbor:"1,keyasint"`
	B     bool             `cbor:"2,keyasint,omitempty"`
	I     int64            `cbor:"3,keyasint,omitempty"`
	S     string           `cbor:"4,keyasint,omitempty"`
	Bytes []byte           `cbor:"5,keyasint,omitempty"`
	List  []Value          `cbor:"6,keyasint,omitempty"`
	Map   map[string]Value `cbor:"7,keyasint,omitempty"`
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, B: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{Kind: KindInt, I: i} }

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, S: s} }

// BytesValue returns a bytes value.
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// List returns a list value.
func ListValue(items ...Value) Value { return Value{Kind: KindList, List: items} }

// MapValue returns a map value.
func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// CanonicalBytes returns the canonical CBOR encoding of the value.
func (v Value) CanonicalBytes() []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		// Value is a closed sum of encodable types; failure is unreachable.
		panic(fmt.Sprintf("journal: value encoding: %v", err))
	}
	return b
}

// Equal compares values by canonical encoding.
func (v Value) Equal(other Value) bool {
	return bytes.Equal(v.CanonicalBytes(), other.CanonicalBytes())
}

// Less orders values by canonical encoding, giving set-valued facts a
// deterministic element order.
func (v Value) Less(other Value) bool {
	return bytes.Compare(v.CanonicalBytes(), other.CanonicalBytes()) < 0
}

// AsString returns the string payload, or "" for other kinds.
func (v Value) AsString() string { return v.S }

// AsInt returns the integer payload, or 0 for other kinds.
func (v Value) AsInt() int64 { return v.I }

// AsBool returns the boolean payload, or false for other kinds.
func (v Value) AsBool() bool { return v.B }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("journal: canonical CBOR mode: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: CBOR decode mode: " + err.Error())
	}
}

// Marshal encodes any record as canonical CBOR.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInvalidInput, "cbor encode", err)
	}
	return b, nil
}

// Unmarshal decodes canonical CBOR.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return interfaces.Wrap(interfaces.KindInvalidInput, "cbor decode", err)
	}
	return nil
}
