// Package codec implements the little-endian binary encoding used for map
// snapshots. Encoder and Decoder carry a sticky error: after the first
// failure every further call is a no-op, and the caller checks Err once at
// the end of a record or stream.
package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
)

// ErrCorrupt reports a truncated or malformed stream.
var ErrCorrupt = errors.New("corrupt snapshot stream")

// Limits applied while decoding so a damaged length prefix fails fast
// instead of attempting a huge allocation.
const (
	MaxCount       = 1 << 26
	MaxMatrixBytes = 1 << 31

	// preallocation cap for decoded sequences; longer sequences grow by append
	maxPrealloc = 4096
)

// Record is the per-type encode/decode contract. Collections of records are
// composed with EncodeRecords and DecodeRecords.
type Record interface {
	EncodeTo(e *Encoder)
	DecodeFrom(d *Decoder)
}

// Encoder writes primitive values, matrices and collections.
type Encoder struct {
	w   *bufio.Writer
	buf [8]byte
	n   int64
	err error
}

// NewEncoder returns an Encoder writing to w. Call Flush when done.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Err returns the first error encountered.
func (e *Encoder) Err() error { return e.err }

// Written returns the number of bytes written so far.
func (e *Encoder) Written() int64 { return e.n }

// Flush flushes buffered output and returns the first error.
func (e *Encoder) Flush() error {
	if e.err != nil {
		return e.err
	}
	e.err = e.w.Flush()
	return e.err
}

// Fail records a sticky error wrapped with ErrCorrupt unless one is already
// set. Records use it to refuse values that would not decode.
func (e *Encoder) Fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
	}
}

func (e *Encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	n, err := e.w.Write(p)
	e.n += int64(n)
	e.err = err
}

// Uint8 writes a single byte.
func (e *Encoder) Uint8(v uint8) {
	e.buf[0] = v
	e.write(e.buf[:1])
}

// Bool writes 1 or 0.
func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

func (e *Encoder) Int32(v int32) {
	binary.LittleEndian.PutUint32(e.buf[:4], uint32(v))
	e.write(e.buf[:4])
}

func (e *Encoder) Uint32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *Encoder) Uint64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

func (e *Encoder) Float32(v float32) {
	e.Uint32(math.Float32bits(v))
}

func (e *Encoder) Float64(v float64) {
	e.Uint64(math.Float64bits(v))
}

// Bytes writes raw bytes without a length prefix.
func (e *Encoder) Bytes(p []byte) {
	e.write(p)
}

// Count writes a collection length.
func (e *Encoder) Count(n int) {
	e.Uint64(uint64(n))
}

// Presence writes the marker that precedes every record in a sequence.
func (e *Encoder) Presence(present bool) {
	e.Bool(present)
}

// Float32s writes a length-prefixed float32 sequence.
func (e *Encoder) Float32s(vs []float32) {
	e.Count(len(vs))
	for _, v := range vs {
		e.Float32(v)
	}
}

// Uint64s writes a length-prefixed uint64 sequence in the given order.
func (e *Encoder) Uint64s(vs []uint64) {
	e.Count(len(vs))
	for _, v := range vs {
		e.Uint64(v)
	}
}

// IDSet writes a set of ids in ascending order.
func (e *Encoder) IDSet(ids []uint64) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	e.Uint64s(sorted)
}

// IDInt32Map writes an id → int32 map in ascending key order.
func (e *Encoder) IDInt32Map(m map[uint64]int32) {
	keys := sortedKeys(m)
	e.Count(len(keys))
	for _, k := range keys {
		e.Uint64(k)
		e.Int32(m[k])
	}
}

// IDUint64Map writes an id → uint64 map in ascending key order.
func (e *Encoder) IDUint64Map(m map[uint64]uint64) {
	keys := sortedKeys(m)
	e.Count(len(keys))
	for _, k := range keys {
		e.Uint64(k)
		e.Uint64(m[k])
	}
}

// WordWeights writes a word id → weight map in ascending key order.
func (e *Encoder) WordWeights(m map[uint32]float64) {
	keys := sortedKeys(m)
	e.Count(len(keys))
	for _, k := range keys {
		e.Uint32(k)
		e.Float64(m[k])
	}
}

func sortedKeys[K uint32 | uint64, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// EncodeRecords writes a length-prefixed sequence of records. Nil entries
// are written as an absent presence marker.
func EncodeRecords[T any, P interface {
	*T
	Record
}](e *Encoder, recs []P) {
	e.Count(len(recs))
	for _, r := range recs {
		if r == nil {
			e.Presence(false)
			continue
		}
		e.Presence(true)
		r.EncodeTo(e)
	}
}

// Decoder reads what Encoder writes.
type Decoder struct {
	r   *bufio.Reader
	buf [8]byte
	err error
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Err returns the first error encountered. Every decode error wraps
// ErrCorrupt.
func (d *Decoder) Err() error { return d.err }

// Fail records err (wrapped with ErrCorrupt) unless an error is already set.
// Record implementations use it to reject semantically invalid values.
func (d *Decoder) Fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
	}
}

func (d *Decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		d.err = fmt.Errorf("%w: %v", ErrCorrupt, err)
		return nil
	}
	return d.buf[:n]
}

func (d *Decoder) Uint8() uint8 {
	b := d.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Bool reads a byte and rejects anything but 0 or 1.
func (d *Decoder) Bool() bool {
	switch v := d.Uint8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		d.Fail("invalid bool byte %d", v)
		return false
	}
}

func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

func (d *Decoder) Uint32() uint32 {
	b := d.read(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) Uint64() uint64 {
	b := d.read(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Float32() float32 {
	return math.Float32frombits(d.Uint32())
}

func (d *Decoder) Float64() float64 {
	return math.Float64frombits(d.Uint64())
}

// Bytes reads exactly n raw bytes. Large reads are bounded by what the
// stream actually holds before any big buffer is allocated.
func (d *Decoder) Bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n <= maxPrealloc {
		p := make([]byte, n)
		if _, err := io.ReadFull(d.r, p); err != nil {
			d.Fail("read %d bytes: %v", n, err)
			return nil
		}
		return p
	}
	p, err := io.ReadAll(io.LimitReader(d.r, int64(n)))
	if err != nil {
		d.Fail("read %d bytes: %v", n, err)
		return nil
	}
	if len(p) != n {
		d.Fail("read %d bytes: %v", n, io.ErrUnexpectedEOF)
		return nil
	}
	return p
}

// Count reads a collection length, rejecting values above MaxCount.
func (d *Decoder) Count() int {
	n := d.Uint64()
	if d.err != nil {
		return 0
	}
	if n > MaxCount {
		d.Fail("count %d exceeds limit %d", n, MaxCount)
		return 0
	}
	return int(n)
}

// Presence reads a record presence marker.
func (d *Decoder) Presence() bool {
	return d.Bool()
}

func (d *Decoder) Float32s() []float32 {
	n := d.Count()
	out := make([]float32, 0, min(n, maxPrealloc))
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.Float32())
	}
	return out
}

func (d *Decoder) Uint64s() []uint64 {
	n := d.Count()
	out := make([]uint64, 0, min(n, maxPrealloc))
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.Uint64())
	}
	return out
}

// IDSet reads an id set written by Encoder.IDSet.
func (d *Decoder) IDSet() []uint64 {
	return d.Uint64s()
}

func (d *Decoder) IDInt32Map() map[uint64]int32 {
	n := d.Count()
	out := make(map[uint64]int32, min(n, maxPrealloc))
	for i := 0; i < n && d.err == nil; i++ {
		k := d.Uint64()
		out[k] = d.Int32()
	}
	return out
}

func (d *Decoder) IDUint64Map() map[uint64]uint64 {
	n := d.Count()
	out := make(map[uint64]uint64, min(n, maxPrealloc))
	for i := 0; i < n && d.err == nil; i++ {
		k := d.Uint64()
		out[k] = d.Uint64()
	}
	return out
}

func (d *Decoder) WordWeights() map[uint32]float64 {
	n := d.Count()
	out := make(map[uint32]float64, min(n, maxPrealloc))
	for i := 0; i < n && d.err == nil; i++ {
		k := d.Uint32()
		out[k] = d.Float64()
	}
	return out
}

// DecodeRecords reads a sequence written by EncodeRecords. Absent entries
// decode as nil. On error the partial result is returned alongside the
// sticky error and must not be used.
func DecodeRecords[T any, P interface {
	*T
	Record
}](d *Decoder) []P {
	n := d.Count()
	out := make([]P, 0, min(n, maxPrealloc))
	for i := 0; i < n && d.err == nil; i++ {
		if !d.Presence() {
			out = append(out, nil)
			continue
		}
		r := P(new(T))
		r.DecodeFrom(d)
		out = append(out, r)
	}
	return out
}
