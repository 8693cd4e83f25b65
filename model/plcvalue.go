package model

import (
	"encoding/json"
	"fmt"
)

// PlcKind discriminates the tagged union PlcValue carries.
type PlcKind string

const (
	PlcNull   PlcKind = "null"
	PlcBool   PlcKind = "bool"
	PlcInt32  PlcKind = "int32"
	PlcInt64  PlcKind = "int64"
	PlcFloat  PlcKind = "float"
	PlcDouble PlcKind = "double"
	PlcString PlcKind = "string"
	PlcBytes  PlcKind = "bytes"
	PlcArray  PlcKind = "array"
	PlcStruct PlcKind = "struct"
)

// PlcValue is a tagged union of every value shape a PLC tag read can
// produce. Array and Struct members are themselves PlcValue, so the type
// nests recursively for UDT expansion and array reads.
type PlcValue struct {
	Kind PlcKind

	boolVal   bool
	int32Val  int32
	int64Val  int64
	floatVal  float32
	doubleVal float64
	stringVal string
	bytesVal  []byte
	arrayVal  []PlcValue
	structVal map[string]PlcValue
}

// NewNullValue returns the Null variant.
func NewNullValue() PlcValue { return PlcValue{Kind: PlcNull} }

// NewBoolValue returns the Bool variant.
func NewBoolValue(v bool) PlcValue { return PlcValue{Kind: PlcBool, boolVal: v} }

// NewInt32Value returns the Int32 variant.
func NewInt32Value(v int32) PlcValue { return PlcValue{Kind: PlcInt32, int32Val: v} }

// NewInt64Value returns the Int64 variant.
func NewInt64Value(v int64) PlcValue { return PlcValue{Kind: PlcInt64, int64Val: v} }

// NewFloatValue returns the single-precision Float variant.
func NewFloatValue(v float32) PlcValue { return PlcValue{Kind: PlcFloat, floatVal: v} }

// NewDoubleValue returns the double-precision Double variant.
func NewDoubleValue(v float64) PlcValue { return PlcValue{Kind: PlcDouble, doubleVal: v} }

// NewStringValue returns the String variant.
func NewStringValue(v string) PlcValue { return PlcValue{Kind: PlcString, stringVal: v} }

// NewBytesValue returns the Bytes variant.
func NewBytesValue(v []byte) PlcValue { return PlcValue{Kind: PlcBytes, bytesVal: v} }

// NewArrayValue returns the Array variant, capped by the caller before
// construction (see transport-level MaxArrayElements).
func NewArrayValue(v []PlcValue) PlcValue { return PlcValue{Kind: PlcArray, arrayVal: v} }

// NewStructValue returns the Struct variant, keyed by member name.
func NewStructValue(v map[string]PlcValue) PlcValue { return PlcValue{Kind: PlcStruct, structVal: v} }

// Bool returns the Bool variant's value; ok is false for any other kind.
func (v PlcValue) Bool() (bool, bool) { return v.boolVal, v.Kind == PlcBool }

// Int32 returns the Int32 variant's value; ok is false for any other kind.
func (v PlcValue) Int32() (int32, bool) { return v.int32Val, v.Kind == PlcInt32 }

// Int64 returns the Int64 variant's value; ok is false for any other kind.
func (v PlcValue) Int64() (int64, bool) { return v.int64Val, v.Kind == PlcInt64 }

// Float returns the Float variant's value; ok is false for any other kind.
func (v PlcValue) Float() (float32, bool) { return v.floatVal, v.Kind == PlcFloat }

// Double returns the Double variant's value; ok is false for any other kind.
func (v PlcValue) Double() (float64, bool) { return v.doubleVal, v.Kind == PlcDouble }

// StringValue returns the String variant's value; ok is false for any other kind.
func (v PlcValue) StringValue() (string, bool) { return v.stringVal, v.Kind == PlcString }

// Bytes returns the Bytes variant's value; ok is false for any other kind.
func (v PlcValue) Bytes() ([]byte, bool) { return v.bytesVal, v.Kind == PlcBytes }

// Array returns the Array variant's members; ok is false for any other kind.
func (v PlcValue) Array() ([]PlcValue, bool) { return v.arrayVal, v.Kind == PlcArray }

// Struct returns the Struct variant's members; ok is false for any other kind.
func (v PlcValue) Struct() (map[string]PlcValue, bool) { return v.structVal, v.Kind == PlcStruct }

// MarshalJSON renders the variant as {"k":kind,"v":value}.
func (v PlcValue) MarshalJSON() ([]byte, error) {
	wire := struct {
		Kind  PlcKind `json:"k"`
		Value any     `json:"v,omitempty"`
	}{Kind: v.Kind}

	switch v.Kind {
	case PlcNull:
		// no value
	case PlcBool:
		wire.Value = v.boolVal
	case PlcInt32:
		wire.Value = v.int32Val
	case PlcInt64:
		wire.Value = v.int64Val
	case PlcFloat:
		wire.Value = v.floatVal
	case PlcDouble:
		wire.Value = v.doubleVal
	case PlcString:
		wire.Value = v.stringVal
	case PlcBytes:
		wire.Value = v.bytesVal
	case PlcArray:
		wire.Value = v.arrayVal
	case PlcStruct:
		wire.Value = v.structVal
	default:
		return nil, fmt.Errorf("model: unknown PlcValue kind %q", v.Kind)
	}

	return json.Marshal(wire)
}

// UnmarshalJSON parses {"k":kind,"v":value} back into the matching variant.
func (v *PlcValue) UnmarshalJSON(data []byte) error {
	var wire struct {
		Kind  PlcKind         `json:"k"`
		Value json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	switch wire.Kind {
	case PlcNull, "":
		*v = NewNullValue()
	case PlcBool:
		var b bool
		if err := json.Unmarshal(wire.Value, &b); err != nil {
			return err
		}
		*v = NewBoolValue(b)
	case PlcInt32:
		var n int32
		if err := json.Unmarshal(wire.Value, &n); err != nil {
			return err
		}
		*v = NewInt32Value(n)
	case PlcInt64:
		var n int64
		if err := json.Unmarshal(wire.Value, &n); err != nil {
			return err
		}
		*v = NewInt64Value(n)
	case PlcFloat:
		var f float32
		if err := json.Unmarshal(wire.Value, &f); err != nil {
			return err
		}
		*v = NewFloatValue(f)
	case PlcDouble:
		var f float64
		if err := json.Unmarshal(wire.Value, &f); err != nil {
			return err
		}
		*v = NewDoubleValue(f)
	case PlcString:
		var s string
		if err := json.Unmarshal(wire.Value, &s); err != nil {
			return err
		}
		*v = NewStringValue(s)
	case PlcBytes:
		var b []byte
		if err := json.Unmarshal(wire.Value, &b); err != nil {
			return err
		}
		*v = NewBytesValue(b)
	case PlcArray:
		var arr []PlcValue
		if err := json.Unmarshal(wire.Value, &arr); err != nil {
			return err
		}
		*v = NewArrayValue(arr)
	case PlcStruct:
		var m map[string]PlcValue
		if err := json.Unmarshal(wire.Value, &m); err != nil {
			return err
		}
		*v = NewStructValue(m)
	default:
		return fmt.Errorf("model: unknown PlcValue kind %q", wire.Kind)
	}

	return nil
}
