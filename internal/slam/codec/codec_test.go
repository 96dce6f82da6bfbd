package codec

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ----------------------------------------------------------------------------
// Matrix
// ----------------------------------------------------------------------------

func TestMatrix_RoundTripBytePattern(t *testing.T) {
	t.Parallel()

	m := NewMatrix(3, 4, 4, TypeF32)
	for i := range m.Data {
		m.Data[i] = byte(i*7 + 3)
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	m.EncodeTo(enc)
	require.NoError(t, enc.Flush())

	// header: cols, rows (int32), elemSize, type (uint64), then 48 bytes
	assert.Equal(t, 4+4+8+8+48, buf.Len())
	assert.Equal(t, []byte{4, 0, 0, 0}, buf.Bytes()[:4], "cols comes first")
	assert.Equal(t, []byte{3, 0, 0, 0}, buf.Bytes()[4:8])

	var got Matrix
	dec := NewDecoder(&buf)
	got.DecodeFrom(dec)
	require.NoError(t, dec.Err())

	assert.Equal(t, int32(3), got.Rows)
	assert.Equal(t, int32(4), got.Cols)
	assert.Equal(t, uint64(4), got.ElemSize)
	assert.Equal(t, TypeF32, got.Type)
	assert.Equal(t, m.Data, got.Data)
}

func TestMatrix_EmptyRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	Matrix{}.EncodeTo(enc)
	require.NoError(t, enc.Flush())

	var got Matrix
	dec := NewDecoder(&buf)
	got.DecodeFrom(dec)
	require.NoError(t, dec.Err())
	assert.True(t, got.Empty())
	assert.Empty(t, got.Data)
}

func TestMatrix_Float32Accessors(t *testing.T) {
	t.Parallel()

	m := NewFloat32Matrix(2, 2, []float32{1, 2, 3, 4.5})
	assert.Equal(t, float32(2), m.Float32At(0, 1))
	assert.Equal(t, 4.5, m.Float64At(1, 1))
	assert.Len(t, m.RowBytes(1), 8)
}

func TestMatrix_RejectsNegativeShape(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Int32(-1)
	enc.Int32(2)
	enc.Uint64(4)
	enc.Uint64(TypeF32)
	require.NoError(t, enc.Flush())

	var got Matrix
	dec := NewDecoder(&buf)
	got.DecodeFrom(dec)
	assert.ErrorIs(t, dec.Err(), ErrCorrupt)
}

func TestMatrix_TruncatedData(t *testing.T) {
	t.Parallel()

	m := NewMatrix(100, 100, 4, TypeF32)
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	m.EncodeTo(enc)
	require.NoError(t, enc.Flush())

	truncated := buf.Bytes()[:buf.Len()-10]
	var got Matrix
	dec := NewDecoder(bytes.NewReader(truncated))
	got.DecodeFrom(dec)
	assert.ErrorIs(t, dec.Err(), ErrCorrupt)
}

func TestMatrix_RejectsOverflowingShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		rows, cols int32
		elemSize   uint64
	}{
		{"product wraps to zero", 1 << 30, 1 << 30, 16},
		{"element size out of range", 1 << 20, 1 << 20, 1 << 30},
		{"over limit", 1 << 16, 1 << 16, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			enc := NewEncoder(&buf)
			enc.Int32(tt.cols)
			enc.Int32(tt.rows)
			enc.Uint64(tt.elemSize)
			enc.Uint64(TypeU8)
			require.NoError(t, enc.Flush())

			var got Matrix
			dec := NewDecoder(&buf)
			got.DecodeFrom(dec)
			assert.ErrorIs(t, dec.Err(), ErrCorrupt)
			assert.Empty(t, got.Data)
		})
	}
}

func TestMatrix_ByteSize(t *testing.T) {
	t.Parallel()

	size, ok := NewMatrix(3, 32, 1, TypeU8).ByteSize()
	assert.True(t, ok)
	assert.Equal(t, uint64(96), size)

	_, ok = Matrix{Rows: 1 << 30, Cols: 1 << 30, ElemSize: 1 << 40}.ByteSize()
	assert.False(t, ok)

	_, ok = Matrix{Rows: -1, Cols: 2, ElemSize: 1}.ByteSize()
	assert.False(t, ok)
}

func TestMatrix_EncodeRejectsShortData(t *testing.T) {
	t.Parallel()

	m := NewMatrix(2, 8, 1, TypeU8)
	m.Data = m.Data[:10]

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	m.EncodeTo(enc)
	enc.Uint64(7)
	assert.ErrorIs(t, enc.Err(), ErrCorrupt)
	assert.ErrorIs(t, enc.Flush(), ErrCorrupt)
	assert.Zero(t, enc.Written())
	assert.Zero(t, buf.Len())
}

// ----------------------------------------------------------------------------
// KeyPoint
// ----------------------------------------------------------------------------

func TestKeyPoint_DuplicateResponseLayout(t *testing.T) {
	t.Parallel()

	kp := KeyPoint{Angle: 12.5, ClassID: -1, Octave: 3, Response: 0.25, X: 10, Y: 20}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	kp.EncodeTo(enc)
	require.NoError(t, enc.Flush())
	require.Equal(t, KeyPointSize, buf.Len())

	raw := buf.Bytes()
	assert.Equal(t, raw[12:16], raw[16:20], "response is written twice")

	var got KeyPoint
	dec := NewDecoder(&buf)
	got.DecodeFrom(dec)
	require.NoError(t, dec.Err())
	assert.Equal(t, kp, got)
}

func TestKeyPoint_SecondResponseWins(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Float32(0)
	enc.Int32(0)
	enc.Int32(0)
	enc.Float32(1)
	enc.Float32(2)
	enc.Float32(0)
	enc.Float32(0)
	require.NoError(t, enc.Flush())

	var got KeyPoint
	dec := NewDecoder(&buf)
	got.DecodeFrom(dec)
	require.NoError(t, dec.Err())
	assert.Equal(t, float32(2), got.Response)
}

// ----------------------------------------------------------------------------
// Collections
// ----------------------------------------------------------------------------

func TestCollections_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.IDSet([]uint64{9, 3, 5})
	enc.IDInt32Map(map[uint64]int32{7: 20, 2: 15})
	enc.IDUint64Map(map[uint64]uint64{4: 11, 1: 0})
	enc.WordWeights(map[uint32]float64{100: 0.5, 3: 0.25})
	enc.Float32s([]float32{1, 1.2, 1.44})
	enc.Uint64s([]uint64{0, 8, 0})
	enc.KeyPoints([]KeyPoint{{X: 1}, {Y: 2}})
	require.NoError(t, enc.Flush())

	dec := NewDecoder(&buf)
	assert.Equal(t, []uint64{3, 5, 9}, dec.IDSet(), "sets are written ascending")
	assert.Equal(t, map[uint64]int32{7: 20, 2: 15}, dec.IDInt32Map())
	assert.Equal(t, map[uint64]uint64{4: 11, 1: 0}, dec.IDUint64Map())
	assert.Equal(t, map[uint32]float64{100: 0.5, 3: 0.25}, dec.WordWeights())
	assert.Equal(t, []float32{1, 1.2, 1.44}, dec.Float32s())
	assert.Equal(t, []uint64{0, 8, 0}, dec.Uint64s(), "sequences keep their order")
	if diff := cmp.Diff([]KeyPoint{{X: 1}, {Y: 2}}, dec.KeyPoints()); diff != "" {
		t.Errorf("keypoints mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, dec.Err())
}

func TestMapEncoding_Deterministic(t *testing.T) {
	t.Parallel()

	m := map[uint64]int32{}
	for i := uint64(1); i <= 50; i++ {
		m[i*31%97] = int32(i)
	}

	encode := func() []byte {
		var buf bytes.Buffer
		enc := NewEncoder(&buf)
		enc.IDInt32Map(m)
		require.NoError(t, enc.Flush())
		return buf.Bytes()
	}
	assert.Equal(t, encode(), encode())
}

func TestRecords_PresenceMarkers(t *testing.T) {
	t.Parallel()

	a := NewFloat32Matrix(1, 2, []float32{1, 2})
	recs := []*Matrix{&a, nil, {}}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	EncodeRecords(enc, recs)
	require.NoError(t, enc.Flush())

	dec := NewDecoder(&buf)
	got := DecodeRecords[Matrix](dec)
	require.NoError(t, dec.Err())
	require.Len(t, got, 3)
	assert.Equal(t, a.Data, got[0].Data)
	assert.Nil(t, got[1])
	require.NotNil(t, got[2])
	assert.True(t, got[2].Empty())
}

func TestDecoder_Errors(t *testing.T) {
	t.Parallel()

	t.Run("empty stream", func(t *testing.T) {
		dec := NewDecoder(bytes.NewReader(nil))
		_ = dec.Count()
		assert.ErrorIs(t, dec.Err(), ErrCorrupt)
	})

	t.Run("count above limit", func(t *testing.T) {
		var buf bytes.Buffer
		enc := NewEncoder(&buf)
		enc.Uint64(MaxCount + 1)
		require.NoError(t, enc.Flush())

		dec := NewDecoder(&buf)
		assert.Empty(t, dec.Uint64s())
		assert.ErrorIs(t, dec.Err(), ErrCorrupt)
	})

	t.Run("invalid bool", func(t *testing.T) {
		dec := NewDecoder(bytes.NewReader([]byte{7}))
		_ = dec.Bool()
		assert.ErrorIs(t, dec.Err(), ErrCorrupt)
	})

	t.Run("sticky", func(t *testing.T) {
		dec := NewDecoder(bytes.NewReader([]byte{1, 2}))
		_ = dec.Uint32()
		first := dec.Err()
		require.Error(t, first)
		_ = dec.Uint8()
		assert.Equal(t, first, dec.Err())
	})
}

func TestEncoder_Written(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Uint64(1)
	enc.Bool(true)
	assert.Equal(t, int64(9), enc.Written())
	require.NoError(t, enc.Flush())
	assert.Equal(t, 9, buf.Len())
}
