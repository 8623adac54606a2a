// Package codec implements the self-describing JSON form used to carry 2-D
// numeric arrays (camera images, detector frames) alongside ordinary values.
//
// An array travels as
//
//	{"width": 3, "height": 2, "type": "UINT8", "endianness": "LITTLE",
//	 "encoding": "BASE64", "data": "AQIDBAUG"}
//
// where data holds the raw row-major element bytes.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
)

var (
	ErrUnsupportedType = errors.New("codec: unsupported type")
	ErrInvalidArray    = errors.New("codec: invalid array")
)

// UnsupportedTypeError reports a value whose element type has no wire form.
type UnsupportedTypeError struct {
	Type reflect.Type
	Name string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Type != nil {
		return fmt.Sprintf("codec: unsupported type %s", e.Type)
	}
	return fmt.Sprintf("codec: unsupported type %q", e.Name)
}

func (e *UnsupportedTypeError) Is(target error) bool {
	return target == ErrUnsupportedType
}

type DType string

const (
	Int8    DType = "INT8"
	Int16   DType = "INT16"
	Int32   DType = "INT32"
	Int64   DType = "INT64"
	Uint8   DType = "UINT8"
	Uint16  DType = "UINT16"
	Uint32  DType = "UINT32"
	Uint64  DType = "UINT64"
	Float32 DType = "FLOAT32"
	Float64 DType = "FLOAT64"
)

var dtypeSizes = map[DType]int{
	Int8: 1, Int16: 2, Int32: 4, Int64: 8,
	Uint8: 1, Uint16: 2, Uint32: 4, Uint64: 8,
	Float32: 4, Float64: 8,
}

// Size returns the element width in bytes, or 0 for an unknown type.
func (d DType) Size() int { return dtypeSizes[d] }

func (d DType) Valid() bool { return d.Size() > 0 }

type Endianness string

const (
	Little Endianness = "LITTLE"
	Big    Endianness = "BIG"
)

// NativeEndianness is the byte order of the running host.
var NativeEndianness = func() Endianness {
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 1)
	if probe[0] == 1 {
		return Little
	}
	return Big
}()

func (e Endianness) order() binary.ByteOrder {
	if e == Big {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

const encodingBase64 = "BASE64"

// Array is a 2-D numeric array held as raw bytes. Height is the number of
// rows and Width the number of columns.
type Array struct {
	Width      int
	Height     int
	Type       DType
	Endianness Endianness
	Data       []byte
}

// NewArray checks that data matches the declared shape and element type. An
// empty endianness means the host's native order.
func NewArray(width, height int, dtype DType, endianness Endianness, data []byte) (*Array, error) {
	a := &Array{Width: width, Height: height, Type: dtype, Endianness: endianness, Data: data}
	if a.Endianness == "" {
		a.Endianness = NativeEndianness
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Array) validate() error {
	if !a.Type.Valid() {
		return &UnsupportedTypeError{Name: string(a.Type)}
	}
	if a.Endianness != Little && a.Endianness != Big {
		return fmt.Errorf("%w: endianness %q", ErrInvalidArray, a.Endianness)
	}
	if a.Width < 0 || a.Height < 0 {
		return fmt.Errorf("%w: negative shape %dx%d", ErrInvalidArray, a.Height, a.Width)
	}
	if a.Width > 0 && a.Height > math.MaxInt/a.Width/a.Type.Size() {
		return fmt.Errorf("%w: shape %dx%d %s overflows", ErrInvalidArray, a.Height, a.Width, a.Type)
	}
	if want := a.Width * a.Height * a.Type.Size(); len(a.Data) != want {
		return fmt.Errorf("%w: %d data bytes for %dx%d %s, want %d", ErrInvalidArray, len(a.Data), a.Height, a.Width, a.Type, want)
	}
	return nil
}

type wireArray struct {
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	Type       DType      `json:"type"`
	Endianness Endianness `json:"endianness"`
	Encoding   string     `json:"encoding"`
	Data       string     `json:"data"`
}

func (a *Array) MarshalJSON() ([]byte, error) {
	endianness := a.Endianness
	if endianness == "" {
		endianness = NativeEndianness
	}
	if !a.Type.Valid() {
		return nil, &UnsupportedTypeError{Name: string(a.Type)}
	}
	return json.Marshal(wireArray{
		Width:      a.Width,
		Height:     a.Height,
		Type:       a.Type,
		Endianness: endianness,
		Encoding:   encodingBase64,
		Data:       base64.StdEncoding.EncodeToString(a.Data),
	})
}

func (a *Array) UnmarshalJSON(data []byte) error {
	var w wireArray
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArray, err)
	}
	if w.Encoding != encodingBase64 {
		return fmt.Errorf("%w: encoding %q", ErrInvalidArray, w.Encoding)
	}
	raw, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return fmt.Errorf("%w: data: %v", ErrInvalidArray, err)
	}
	arr, err := NewArray(w.Width, w.Height, w.Type, w.Endianness, raw)
	if err != nil {
		return err
	}
	*a = *arr
	return nil
}

var kindTypes = map[reflect.Kind]DType{
	reflect.Int8:    Int8,
	reflect.Int16:   Int16,
	reflect.Int32:   Int32,
	reflect.Int64:   Int64,
	reflect.Uint8:   Uint8,
	reflect.Uint16:  Uint16,
	reflect.Uint32:  Uint32,
	reflect.Uint64:  Uint64,
	reflect.Float32: Float32,
	reflect.Float64: Float64,
}

func init() {
	if math.MaxInt == math.MaxInt64 {
		kindTypes[reflect.Int] = Int64
		kindTypes[reflect.Uint] = Uint64
	} else {
		kindTypes[reflect.Int] = Int32
		kindTypes[reflect.Uint] = Uint32
	}
}

// FromMatrix converts a rectangular 2-D slice ([][]uint16, [][]float32, ...)
// into an Array in native byte order.
func FromMatrix(m any) (*Array, error) {
	v := reflect.ValueOf(m)
	if v.Kind() != reflect.Slice || v.Type().Elem().Kind() != reflect.Slice {
		return nil, &UnsupportedTypeError{Type: reflect.TypeOf(m)}
	}
	dtype, ok := kindTypes[v.Type().Elem().Elem().Kind()]
	if !ok {
		return nil, &UnsupportedTypeError{Type: v.Type()}
	}

	height := v.Len()
	width := 0
	if height > 0 {
		width = v.Index(0).Len()
	}
	size := dtype.Size()
	data := make([]byte, 0, width*height*size)
	order := NativeEndianness.order()
	buf := make([]byte, 8)

	for i := 0; i < height; i++ {
		row := v.Index(i)
		if row.Len() != width {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrInvalidArray, i, row.Len(), width)
		}
		for j := 0; j < width; j++ {
			putElement(order, buf[:size], row.Index(j), dtype)
			data = append(data, buf[:size]...)
		}
	}

	return NewArray(width, height, dtype, NativeEndianness, data)
}

func putElement(order binary.ByteOrder, b []byte, v reflect.Value, dtype DType) {
	switch dtype {
	case Int8:
		b[0] = byte(v.Int())
	case Uint8:
		b[0] = byte(v.Uint())
	case Int16:
		order.PutUint16(b, uint16(v.Int()))
	case Uint16:
		order.PutUint16(b, uint16(v.Uint()))
	case Int32:
		order.PutUint32(b, uint32(v.Int()))
	case Uint32:
		order.PutUint32(b, uint32(v.Uint()))
	case Int64:
		order.PutUint64(b, uint64(v.Int()))
	case Uint64:
		order.PutUint64(b, v.Uint())
	case Float32:
		order.PutUint32(b, math.Float32bits(float32(v.Float())))
	case Float64:
		order.PutUint64(b, math.Float64bits(v.Float()))
	}
}

// Float64s returns the elements in row-major order widened to float64.
func (a *Array) Float64s() ([]float64, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	order := a.Endianness.order()
	size := a.Type.Size()
	out := make([]float64, 0, a.Width*a.Height)
	for off := 0; off < len(a.Data); off += size {
		b := a.Data[off : off+size]
		var f float64
		switch a.Type {
		case Int8:
			f = float64(int8(b[0]))
		case Uint8:
			f = float64(b[0])
		case Int16:
			f = float64(int16(order.Uint16(b)))
		case Uint16:
			f = float64(order.Uint16(b))
		case Int32:
			f = float64(int32(order.Uint32(b)))
		case Uint32:
			f = float64(order.Uint32(b))
		case Int64:
			f = float64(int64(order.Uint64(b)))
		case Uint64:
			f = float64(order.Uint64(b))
		case Float32:
			f = float64(math.Float32frombits(order.Uint32(b)))
		case Float64:
			f = math.Float64frombits(order.Uint64(b))
		}
		out = append(out, f)
	}
	return out, nil
}
