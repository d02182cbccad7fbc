// Package core provides the fundamental primitives of the stagestream transport.
//
// This package defines the data model shared by writers and readers: the
// per-step Block published by a writer rank, the ReadRequest declared by a
// reader, the closed set of element types a block may carry, and the binary
// manifest format both sides exchange every flexible step.
//
// Key components:
//   - Block: one published variable/block from one writer rank, one step
//   - DataType: closed enumeration of supported element types
//   - Value: a decoded scalar tagged with its DataType
//   - ReadRequest: a reader-declared intent to receive a region of a variable
//   - Manifest codec: write pattern and read pattern serialization
//
// Blocks are created by manifest decoding, rebased in place by the position
// allocator, and discarded when the pattern is re-synchronized.
package core

import (
	"fmt"
	"reflect"
	"unsafe"
)

// DataType identifies the element type carried by a block.
type DataType uint8

const (
	TypeUnknown DataType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeComplex64
	TypeComplex128
	TypeString
	TypeChar
)

// Size returns the element width in bytes. Strings have no fixed width and
// report 1 so that their payload is treated as raw bytes.
func (t DataType) Size() (int, bool) {
	switch t {
	case TypeInt8, TypeUint8, TypeChar, TypeString:
		return 1, true
	case TypeInt16, TypeUint16:
		return 2, true
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4, true
	case TypeInt64, TypeUint64, TypeFloat64, TypeComplex64:
		return 8, true
	case TypeComplex128:
		return 16, true
	default:
		return 0, false
	}
}

func (t DataType) String() string {
	switch t {
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeComplex64:
		return "complex64"
	case TypeComplex128:
		return "complex128"
	case TypeString:
		return "string"
	case TypeChar:
		return "char"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ShapeID is the shape kind of a published variable.
type ShapeID uint8

const (
	ShapeUnknown ShapeID = iota
	GlobalValue
	GlobalArray
	LocalValue
	LocalArray
)

func (s ShapeID) String() string {
	switch s {
	case GlobalValue:
		return "GlobalValue"
	case GlobalArray:
		return "GlobalArray"
	case LocalValue:
		return "LocalValue"
	case LocalArray:
		return "LocalArray"
	default:
		return "Unknown"
	}
}

// IsValue reports whether the shape carries an inline scalar.
func (s ShapeID) IsValue() bool { return s == GlobalValue || s == LocalValue }

// IsArray reports whether the shape carries an array region.
func (s ShapeID) IsArray() bool { return s == GlobalArray || s == LocalArray }

// Dims is an index tuple (shape, start or count).
type Dims []uint64

// Product returns the number of elements described by a count tuple.
// An empty tuple describes a single element.
func (d Dims) Product() uint64 {
	p := uint64(1)
	for _, v := range d {
		p *= v
	}
	return p
}

// HasZero reports whether any dimension is zero-length.
func (d Dims) HasZero() bool {
	for _, v := range d {
		if v == 0 {
			return true
		}
	}
	return false
}

// Equal reports element-wise equality.
func (d Dims) Equal(o Dims) bool {
	if len(d) != len(o) {
		return false
	}
	for i := range d {
		if d[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (d Dims) Clone() Dims {
	if d == nil {
		return nil
	}
	c := make(Dims, len(d))
	copy(c, d)
	return c
}

// Block is one published variable/block from one writer rank for one step.
// BufferStart is relative to the writer's step buffer until the position
// allocator rebases it into the reader's receive buffer.
type Block struct {
	Name        string
	Type        DataType
	ShapeID     ShapeID
	Shape       Dims
	Start       Dims
	Count       Dims
	BufferStart uint64
	BufferCount uint64
	Value       []byte // inline payload for value shapes
}

// Empty reports whether an array block publishes no elements.
func (b *Block) Empty() bool {
	return b.ShapeID.IsArray() && b.Count.HasZero()
}

// Clone creates a deep copy of the Block
func (b *Block) Clone() Block {
	c := *b
	c.Shape = b.Shape.Clone()
	c.Start = b.Start.Clone()
	c.Count = b.Count.Clone()
	if b.Value != nil {
		c.Value = append([]byte(nil), b.Value...)
	}
	return c
}

// ReadRequest is one reader-declared intent to receive a named variable.
// Data receives array and numeric value payloads; Str receives string values.
type ReadRequest struct {
	Name      string   `msgpack:"n"`
	Type      DataType `msgpack:"t"`
	Start     Dims     `msgpack:"s"`
	Count     Dims     `msgpack:"c"`
	Data      []byte   `msgpack:"-"`
	Str       *string  `msgpack:"-"`
	Performed bool     `msgpack:"-"`
}

// StepStatus is the result of a step transition.
type StepStatus int

const (
	StepOK StepStatus = iota
	StepNotReady
	StepEndOfStream
)

func (s StepStatus) String() string {
	switch s {
	case StepOK:
		return "OK"
	case StepNotReady:
		return "NotReady"
	case StepEndOfStream:
		return "EndOfStream"
	default:
		return fmt.Sprintf("StepStatus(%d)", int(s))
	}
}

// Element is the set of fixed-width Go types that map onto a DataType.
type Element interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 | ~complex64 | ~complex128
}

// Scalar is Element plus strings.
type Scalar interface {
	Element | ~string
}

// TypeOf maps a Go type onto its DataType.
func TypeOf[T Scalar]() DataType {
	var zero T
	switch reflect.TypeOf(zero).Kind() {
	case reflect.Int8:
		return TypeInt8
	case reflect.Int16:
		return TypeInt16
	case reflect.Int32:
		return TypeInt32
	case reflect.Int64:
		return TypeInt64
	case reflect.Uint8:
		return TypeUint8
	case reflect.Uint16:
		return TypeUint16
	case reflect.Uint32:
		return TypeUint32
	case reflect.Uint64:
		return TypeUint64
	case reflect.Float32:
		return TypeFloat32
	case reflect.Float64:
		return TypeFloat64
	case reflect.Complex64:
		return TypeComplex64
	case reflect.Complex128:
		return TypeComplex128
	case reflect.String:
		return TypeString
	default:
		return TypeUnknown
	}
}

// AsBytes reinterprets a typed slice as its backing bytes without copying.
func AsBytes[T Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}
