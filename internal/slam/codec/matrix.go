package codec

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// Element type tags. The numbering matches the depth codes of the image
// library the snapshot format originated with, so existing files decode.
const (
	TypeU8  uint64 = 0
	TypeS8  uint64 = 1
	TypeU16 uint64 = 2
	TypeS16 uint64 = 3
	TypeS32 uint64 = 4
	TypeF32 uint64 = 5
	TypeF64 uint64 = 6
)

// Matrix is a dense row-major buffer of Rows*Cols elements of ElemSize bytes.
type Matrix struct {
	Cols     int32
	Rows     int32
	ElemSize uint64
	Type     uint64
	Data     []byte
}

// NewMatrix allocates a zeroed matrix.
func NewMatrix(rows, cols int, elemSize, typ uint64) Matrix {
	return Matrix{
		Cols:     int32(cols),
		Rows:     int32(rows),
		ElemSize: elemSize,
		Type:     typ,
		Data:     make([]byte, rows*cols*int(elemSize)),
	}
}

// NewFloat32Matrix builds an F32 matrix from row-major values.
func NewFloat32Matrix(rows, cols int, vals []float32) Matrix {
	m := NewMatrix(rows, cols, 4, TypeF32)
	for i, v := range vals[:rows*cols] {
		binary.LittleEndian.PutUint32(m.Data[i*4:], math.Float32bits(v))
	}
	return m
}

// Empty reports whether the matrix holds no elements.
func (m Matrix) Empty() bool {
	return m.Rows == 0 || m.Cols == 0
}

// RowBytes returns the bytes of row r.
func (m Matrix) RowBytes(r int) []byte {
	stride := int(m.Cols) * int(m.ElemSize)
	return m.Data[r*stride : (r+1)*stride]
}

// Float32At returns element (r, c) of an F32 matrix.
func (m Matrix) Float32At(r, c int) float32 {
	off := (r*int(m.Cols) + c) * 4
	return math.Float32frombits(binary.LittleEndian.Uint32(m.Data[off:]))
}

// Float64At returns element (r, c) of an F32 or F64 matrix as float64.
func (m Matrix) Float64At(r, c int) float64 {
	if m.Type == TypeF64 {
		off := (r*int(m.Cols) + c) * 8
		return math.Float64frombits(binary.LittleEndian.Uint64(m.Data[off:]))
	}
	return float64(m.Float32At(r, c))
}

// ByteSize returns Rows*Cols*ElemSize and false if the shape is negative or
// the product does not fit in a uint64.
func (m Matrix) ByteSize() (uint64, bool) {
	if m.Cols < 0 || m.Rows < 0 {
		return 0, false
	}
	hi, cells := bits.Mul64(uint64(m.Rows), uint64(m.Cols))
	if hi != 0 {
		return 0, false
	}
	hi, size := bits.Mul64(cells, m.ElemSize)
	if hi != 0 {
		return 0, false
	}
	return size, true
}

// EncodeTo writes cols, rows, element size, type tag and the raw bytes.
// Data must hold exactly Rows*Cols*ElemSize bytes.
func (m Matrix) EncodeTo(e *Encoder) {
	if size, ok := m.ByteSize(); !ok || uint64(len(m.Data)) != size {
		e.Fail("matrix %dx%d of element size %d holds %d bytes", m.Rows, m.Cols, m.ElemSize, len(m.Data))
		return
	}
	e.Int32(m.Cols)
	e.Int32(m.Rows)
	e.Uint64(m.ElemSize)
	e.Uint64(m.Type)
	e.Bytes(m.Data)
}

func (m *Matrix) DecodeFrom(d *Decoder) {
	m.Cols = d.Int32()
	m.Rows = d.Int32()
	m.ElemSize = d.Uint64()
	m.Type = d.Uint64()
	if d.Err() != nil {
		return
	}
	if m.Cols < 0 || m.Rows < 0 {
		d.Fail("negative matrix shape %dx%d", m.Rows, m.Cols)
		return
	}
	if m.ElemSize > 64 {
		d.Fail("matrix element size %d out of range", m.ElemSize)
		return
	}
	size, ok := m.ByteSize()
	if !ok || size > MaxMatrixBytes {
		d.Fail("matrix %dx%d of element size %d exceeds limit", m.Rows, m.Cols, m.ElemSize)
		return
	}
	m.Data = d.Bytes(int(size))
	if d.Err() == nil && uint64(len(m.Data)) != size {
		d.Fail("matrix data is %d bytes, want %d", len(m.Data), size)
	}
}
