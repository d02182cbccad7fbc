package core

import (
	"fmt"
	"reflect"
)

// Value is a decoded scalar tagged with its element type. The zero Value has
// TypeUnknown and holds nothing. The held Go value always has the base type
// matching Type (int8 for TypeInt8, string for TypeString, and so on); Char
// values are held as uint8.
type Value struct {
	Type DataType
	v    any
}

// ValueOf wraps a Go scalar. Named types are normalized to their base type.
func ValueOf[T Scalar](x T) Value {
	rv := reflect.ValueOf(x)
	t := TypeOf[T]()
	switch rv.Kind() {
	case reflect.Int8:
		return Value{Type: t, v: int8(rv.Int())}
	case reflect.Int16:
		return Value{Type: t, v: int16(rv.Int())}
	case reflect.Int32:
		return Value{Type: t, v: int32(rv.Int())}
	case reflect.Int64:
		return Value{Type: t, v: rv.Int()}
	case reflect.Uint8:
		return Value{Type: t, v: uint8(rv.Uint())}
	case reflect.Uint16:
		return Value{Type: t, v: uint16(rv.Uint())}
	case reflect.Uint32:
		return Value{Type: t, v: uint32(rv.Uint())}
	case reflect.Uint64:
		return Value{Type: t, v: rv.Uint()}
	case reflect.Float32:
		return Value{Type: t, v: float32(rv.Float())}
	case reflect.Float64:
		return Value{Type: t, v: rv.Float()}
	case reflect.Complex64:
		return Value{Type: t, v: complex64(rv.Complex())}
	case reflect.Complex128:
		return Value{Type: t, v: rv.Complex()}
	case reflect.String:
		return Value{Type: t, v: rv.String()}
	}
	return Value{}
}

// CharValue wraps a single character byte.
func CharValue(c byte) Value {
	return Value{Type: TypeChar, v: c}
}

// Interface returns the held Go value, or nil for the zero Value.
func (v Value) Interface() any { return v.v }

// IsValid reports whether v holds a scalar.
func (v Value) IsValid() bool { return v.Type != TypeUnknown && v.v != nil }

// Float64 converts numeric values to float64. Complex and string values
// report false.
func (v Value) Float64() (float64, bool) {
	switch x := v.v.(type) {
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func (v Value) String() string {
	if !v.IsValid() {
		return "<invalid>"
	}
	if v.Type == TypeChar {
		return string([]byte{v.v.(uint8)})
	}
	return fmt.Sprint(v.v)
}
