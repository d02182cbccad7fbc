package kernels

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sbl8/stagestream/core"
)

// ErrUnknownType is returned for element type tags outside core.DataType.
var ErrUnknownType = errors.New("kernels: unknown data type")

// DecodeValue interprets raw little-endian payload bytes as a scalar of type t.
// Strings take the whole payload as text.
func DecodeValue(t core.DataType, b []byte) (core.Value, error) {
	size, ok := t.Size()
	if !ok {
		return core.Value{}, fmt.Errorf("%w: tag %d", ErrUnknownType, uint8(t))
	}
	if t == core.TypeString {
		return core.ValueOf(string(b)), nil
	}
	if len(b) < size {
		return core.Value{}, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrShortBuffer, t, size, len(b))
	}

	le := binary.LittleEndian
	switch t {
	case core.TypeInt8:
		return core.ValueOf(int8(b[0])), nil
	case core.TypeInt16:
		return core.ValueOf(int16(le.Uint16(b))), nil
	case core.TypeInt32:
		return core.ValueOf(int32(le.Uint32(b))), nil
	case core.TypeInt64:
		return core.ValueOf(int64(le.Uint64(b))), nil
	case core.TypeUint8:
		return core.ValueOf(b[0]), nil
	case core.TypeUint16:
		return core.ValueOf(le.Uint16(b)), nil
	case core.TypeUint32:
		return core.ValueOf(le.Uint32(b)), nil
	case core.TypeUint64:
		return core.ValueOf(le.Uint64(b)), nil
	case core.TypeFloat32:
		return core.ValueOf(math.Float32frombits(le.Uint32(b))), nil
	case core.TypeFloat64:
		return core.ValueOf(math.Float64frombits(le.Uint64(b))), nil
	case core.TypeComplex64:
		re := math.Float32frombits(le.Uint32(b))
		im := math.Float32frombits(le.Uint32(b[4:]))
		return core.ValueOf(complex(re, im)), nil
	case core.TypeComplex128:
		re := math.Float64frombits(le.Uint64(b))
		im := math.Float64frombits(le.Uint64(b[8:]))
		return core.ValueOf(complex(re, im)), nil
	case core.TypeChar:
		return core.CharValue(b[0]), nil
	}
	return core.Value{}, fmt.Errorf("%w: tag %d", ErrUnknownType, uint8(t))
}

// EncodeValue is the inverse of DecodeValue.
func EncodeValue(v core.Value) ([]byte, error) {
	le := binary.LittleEndian
	switch x := v.Interface().(type) {
	case int8:
		return []byte{byte(x)}, nil
	case int16:
		return le.AppendUint16(nil, uint16(x)), nil
	case int32:
		return le.AppendUint32(nil, uint32(x)), nil
	case int64:
		return le.AppendUint64(nil, uint64(x)), nil
	case uint8:
		return []byte{x}, nil
	case uint16:
		return le.AppendUint16(nil, x), nil
	case uint32:
		return le.AppendUint32(nil, x), nil
	case uint64:
		return le.AppendUint64(nil, x), nil
	case float32:
		return le.AppendUint32(nil, math.Float32bits(x)), nil
	case float64:
		return le.AppendUint64(nil, math.Float64bits(x)), nil
	case complex64:
		out := le.AppendUint32(nil, math.Float32bits(real(x)))
		return le.AppendUint32(out, math.Float32bits(imag(x))), nil
	case complex128:
		out := le.AppendUint64(nil, math.Float64bits(real(x)))
		return le.AppendUint64(out, math.Float64bits(imag(x))), nil
	case string:
		return []byte(x), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownType, v.Type)
}
