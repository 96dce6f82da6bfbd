package persistence

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/slamctl/internal/fsutil"
	"github.com/banshee-data/slamctl/internal/slam/bow"
	"github.com/banshee-data/slamctl/internal/slam/codec"
	"github.com/banshee-data/slamctl/internal/slam/mapgraph"
	"github.com/banshee-data/slamctl/internal/testutil"
	"github.com/banshee-data/slamctl/internal/timeutil"
)

const mapPath = "/maps/office.bin"

type recordingRecorder struct {
	mu    sync.Mutex
	infos []SnapshotInfo
}

func (r *recordingRecorder) RecordSnapshot(_ context.Context, info SnapshotInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, info)
	return nil
}

func newCoordinator(fs fsutil.FileSystem, store *mapgraph.Store, opts Options) (*Coordinator, *bow.Database) {
	index := bow.NewDatabase()
	opts.FS = fs
	if opts.Clock == nil {
		opts.Clock = timeutil.NewMockClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	}
	opts.Logger = log.New(&bytes.Buffer{})
	return New(store, index, opts), index
}

// keyFrameSection encodes sequence A for the store's keyframes.
func keyFrameSection(t *testing.T, s *mapgraph.Store) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf)
	codec.EncodeRecords(enc, s.KeyFrames())
	require.NoError(t, enc.Flush())
	return buf.Bytes()
}

// ----------------------------------------------------------------------------
// Round trip
// ----------------------------------------------------------------------------

func TestSaveLoad_RoundTripBothDirections(t *testing.T) {
	t.Parallel()

	src := testutil.BuildGraph(t, testutil.GraphOptions{
		KeyFrames:         6,
		PointsPerKeyFrame: 20,
		BadKeyFrames:      []mapgraph.KeyFrameID{3},
		BadPoints:         []mapgraph.PointID{1, 2, 50},
	})
	fs := fsutil.NewMemoryFileSystem()
	saver, _ := newCoordinator(fs, src, Options{})
	require.NoError(t, saver.Save(mapPath))

	dst := mapgraph.NewStore()
	loader, index := newCoordinator(fs, dst, Options{})
	ok, err := loader.Load(mapPath)
	require.NoError(t, err)
	require.True(t, ok)

	testutil.RequireConsistent(t, dst)

	pairs := 0
	for _, kf := range src.KeyFrames() {
		if kf.IsBad() {
			assert.Nil(t, dst.KeyFrame(kf.ID), "bad keyframe %d is not reinstalled", kf.ID)
			continue
		}
		loaded := dst.KeyFrame(kf.ID)
		require.NotNil(t, loaded)
		for slot, pid := range kf.Slots() {
			if pid == 0 || src.MapPoint(pid).IsBad() {
				continue
			}
			pairs++
			p := dst.MapPoint(pid)
			require.NotNil(t, p, "point %d", pid)
			idx, found := p.ObservationIndex(kf.ID)
			assert.True(t, found, "point %d observes keyframe %d", pid, kf.ID)
			assert.Equal(t, slot, idx)
			assert.Equal(t, pid, loaded.MapPointAt(slot))
		}
	}
	assert.Greater(t, pairs, 100)

	for _, p := range src.MapPoints() {
		if p.IsBad() {
			assert.Nil(t, dst.MapPoint(p.ID), "bad point %d is not reinstalled", p.ID)
		}
	}

	installed, total := loader.LoadProgress()
	assert.Equal(t, int64(5), installed)
	assert.Equal(t, int64(6), total)
	assert.Equal(t, 5, index.KeyFrames())
	assert.Equal(t, uint64(1), dst.LastBigChangeIdx())
}

func TestLoad_OrderingPreserved(t *testing.T) {
	t.Parallel()

	src := testutil.BuildGraph(t, testutil.GraphOptions{KeyFrames: 8, PointsPerKeyFrame: 4})
	fs := fsutil.NewMemoryFileSystem()
	saver, _ := newCoordinator(fs, src, Options{})
	require.NoError(t, saver.Save(mapPath))

	raw, err := fs.ReadFile(mapPath)
	require.NoError(t, err)
	kfs, _, err := mapgraph.DecodeSnapshot(codec.NewDecoder(bytes.NewReader(raw)))
	require.NoError(t, err)
	var decoded []mapgraph.KeyFrameID
	for i, kf := range kfs {
		if i > 0 {
			assert.LessOrEqual(t, kfs[i-1].ID, kf.ID)
		}
		decoded = append(decoded, kf.ID)
	}

	loader, _ := newCoordinator(fs, mapgraph.NewStore(), Options{})
	var order []mapgraph.KeyFrameID
	loader.onInstall = func(id mapgraph.KeyFrameID) { order = append(order, id) }
	ok, err := loader.Load(mapPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, decoded, order)
}

func TestLoad_IdempotentReload(t *testing.T) {
	t.Parallel()

	src := testutil.BuildGraph(t, testutil.GraphOptions{KeyFrames: 5, PointsPerKeyFrame: 20})
	fs := fsutil.NewMemoryFileSystem()
	first, _ := newCoordinator(fs, src, Options{})
	require.NoError(t, first.Save("/maps/a.bin"))

	dst := mapgraph.NewStore()
	second, _ := newCoordinator(fs, dst, Options{})
	ok, err := second.Load("/maps/a.bin")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, second.Save("/maps/b.bin"))

	a, err := fs.ReadFile("/maps/a.bin")
	require.NoError(t, err)
	b, err := fs.ReadFile("/maps/b.bin")
	require.NoError(t, err)

	section := keyFrameSection(t, dst)
	require.Greater(t, len(a), len(section))
	assert.Equal(t, section, a[:len(section)], "reloaded keyframes encode as saved")
	assert.Equal(t, a[:len(section)], b[:len(section)])
}

func TestLoad_ObservationsRebuiltFromSlots(t *testing.T) {
	t.Parallel()

	src := testutil.BuildGraph(t, testutil.GraphOptions{KeyFrames: 3, PointsPerKeyFrame: 8})
	// a stale observation with no matching slot, and a slot naming a point
	// that is not in the snapshot
	src.MapPoint(5).AddObservation(77, 3)
	src.KeyFrame(2).SetMapPoint(15, 9999)

	fs := fsutil.NewMemoryFileSystem()
	saver, _ := newCoordinator(fs, src, Options{})
	require.NoError(t, saver.Save(mapPath))

	dst := mapgraph.NewStore()
	loader, _ := newCoordinator(fs, dst, Options{})
	ok, err := loader.Load(mapPath)
	require.NoError(t, err)
	require.True(t, ok)

	testutil.RequireConsistent(t, dst)
	_, found := dst.MapPoint(5).ObservationIndex(77)
	assert.False(t, found)
	assert.Zero(t, dst.KeyFrame(2).MapPointAt(15), "dangling slot is cleared")
}

func TestLoad_SkipsNullKeyFrames(t *testing.T) {
	t.Parallel()

	src := testutil.BuildGraph(t, testutil.GraphOptions{KeyFrames: 2, PointsPerKeyFrame: 4})
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf)
	kfs := src.KeyFrames()
	mapgraph.EncodeSnapshot(enc, []*mapgraph.KeyFrame{kfs[0], nil, kfs[1]}, src.MapPoints())
	require.NoError(t, enc.Flush())

	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile(mapPath, buf.Bytes())

	dst := mapgraph.NewStore()
	loader, _ := newCoordinator(fs, dst, Options{})
	ok, err := loader.Load(mapPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, dst.KeyFramesInMap())
	testutil.RequireConsistent(t, dst)
}

// ----------------------------------------------------------------------------
// Failure modes
// ----------------------------------------------------------------------------

func TestLoad_MissingFileReturnsFalse(t *testing.T) {
	t.Parallel()

	dst := mapgraph.NewStore()
	loader, _ := newCoordinator(fsutil.NewMemoryFileSystem(), dst, Options{})

	ok, err := loader.Load("/maps/absent.bin")
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = loader.Load("")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, dst.KeyFramesInMap())
}

func TestLoad_CorruptStreamInstallsNothing(t *testing.T) {
	t.Parallel()

	src := testutil.BuildGraph(t, testutil.GraphOptions{KeyFrames: 4, PointsPerKeyFrame: 10})
	fs := fsutil.NewMemoryFileSystem()
	saver, _ := newCoordinator(fs, src, Options{})
	require.NoError(t, saver.Save(mapPath))

	raw, err := fs.ReadFile(mapPath)
	require.NoError(t, err)

	tests := map[string][]byte{
		"truncated in keyframes": raw[:len(raw)/4],
		"truncated in points":    raw[:len(raw)-5],
		"garbage":                bytes.Repeat([]byte{0xFF}, 64),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			fs.WriteFile("/maps/corrupt.bin", data)
			dst := mapgraph.NewStore()
			loader, index := newCoordinator(fs, dst, Options{})

			ok, err := loader.Load("/maps/corrupt.bin")
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrCorruptSnapshot)
			assert.ErrorIs(t, err, codec.ErrCorrupt)
			assert.Zero(t, dst.KeyFramesInMap())
			assert.Zero(t, dst.MapPointsInMap())
			assert.Zero(t, index.KeyFrames())
		})
	}
}

// matrixHeader encodes the cols, rows, element size and type prefix of a
// matrix record.
func matrixHeader(t *testing.T, rows, cols int32, elemSize, typ uint64) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf)
	enc.Int32(cols)
	enc.Int32(rows)
	enc.Uint64(elemSize)
	enc.Uint64(typ)
	require.NoError(t, enc.Flush())
	return buf.Bytes()
}

func TestLoad_OverflowingDescriptorShape(t *testing.T) {
	t.Parallel()

	src := testutil.BuildGraph(t, testutil.GraphOptions{KeyFrames: 2, PointsPerKeyFrame: 4})
	fs := fsutil.NewMemoryFileSystem()
	saver, _ := newCoordinator(fs, src, Options{})
	require.NoError(t, saver.Save(mapPath))
	raw, err := fs.ReadFile(mapPath)
	require.NoError(t, err)

	// Replace the first keyframe's descriptor header with a shape whose
	// byte size wraps to zero, and drop its data.
	header := matrixHeader(t, 8, testutil.DescriptorBytes, 1, codec.TypeU8)
	at := bytes.Index(raw, header)
	require.GreaterOrEqual(t, at, 0)
	var data []byte
	data = append(data, raw[:at]...)
	data = append(data, matrixHeader(t, 1<<30, 1<<30, 16, codec.TypeU8)...)
	data = append(data, raw[at+len(header)+8*testutil.DescriptorBytes:]...)
	fs.WriteFile("/maps/overflow.bin", data)

	_, err = ReadSnapshot(fs, "/maps/overflow.bin")
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	dst := mapgraph.NewStore()
	loader, index := newCoordinator(fs, dst, Options{})
	var ok bool
	require.NotPanics(t, func() { ok, err = loader.Load("/maps/overflow.bin") })
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
	assert.ErrorIs(t, err, codec.ErrCorrupt)
	assert.Zero(t, dst.KeyFramesInMap())
	assert.Zero(t, dst.MapPointsInMap())
	assert.Zero(t, index.KeyFrames())
}

func TestLoad_DuplicateKeyFrameID(t *testing.T) {
	t.Parallel()

	src := testutil.BuildGraph(t, testutil.GraphOptions{KeyFrames: 2, PointsPerKeyFrame: 4})
	kfs := src.KeyFrames()
	again := testutil.NewKeyFrame(kfs[0].ID, len(kfs[0].Slots()))

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf)
	mapgraph.EncodeSnapshot(enc, []*mapgraph.KeyFrame{kfs[0], again, kfs[1]}, src.MapPoints())
	require.NoError(t, enc.Flush())

	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile(mapPath, buf.Bytes())

	dst := mapgraph.NewStore()
	loader, index := newCoordinator(fs, dst, Options{})
	ok, err := loader.Load(mapPath)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
	assert.ErrorIs(t, err, codec.ErrCorrupt)
	assert.Zero(t, dst.KeyFramesInMap())
	assert.Zero(t, dst.MapPointsInMap())
	assert.Zero(t, index.KeyFrames())
}

func TestSave_MalformedDescriptors(t *testing.T) {
	t.Parallel()

	src := testutil.BuildGraph(t, testutil.GraphOptions{KeyFrames: 2, PointsPerKeyFrame: 4})
	kf := src.KeyFrame(2)
	kf.Descriptors.Data = kf.Descriptors.Data[:len(kf.Descriptors.Data)-1]

	fs := fsutil.NewMemoryFileSystem()
	saver, _ := newCoordinator(fs, src, Options{})
	err := saver.Save(mapPath)
	assert.ErrorIs(t, err, codec.ErrCorrupt)

	assert.False(t, fs.Exists(mapPath), "failed save leaves no snapshot")
	assert.False(t, fs.Exists(mapPath+".tmp"), "temporary file is removed")
}

func TestSave_UnwritablePath(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	fs.DenyWrites("/readonly")
	saver, _ := newCoordinator(fs, testutil.BuildGraph(t, testutil.GraphOptions{KeyFrames: 1, PointsPerKeyFrame: 1}), Options{})

	err := saver.Save("/readonly/map.bin")
	assert.ErrorIs(t, err, ErrSaveOpen)
	assert.ErrorIs(t, err, fsutil.ErrReadOnly)
	assert.False(t, fs.Exists("/readonly/map.bin"))
}

// ----------------------------------------------------------------------------
// Compression and recording
// ----------------------------------------------------------------------------

func TestSaveLoad_Compression(t *testing.T) {
	t.Parallel()

	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			src := testutil.BuildGraph(t, testutil.GraphOptions{KeyFrames: 4, PointsPerKeyFrame: 20})
			fs := fsutil.NewMemoryFileSystem()
			saver, _ := newCoordinator(fs, src, Options{Compression: c})
			require.NoError(t, saver.Save(mapPath))

			dst := mapgraph.NewStore()
			loader, _ := newCoordinator(fs, dst, Options{})
			ok, err := loader.Load(mapPath)
			require.NoError(t, err)
			require.True(t, ok)

			assert.Equal(t, src.KeyFramesInMap(), dst.KeyFramesInMap())
			assert.Equal(t, src.MapPointsInMap(), dst.MapPointsInMap())
			assert.Equal(t, keyFrameSection(t, src), keyFrameSection(t, dst))
		})
	}
}

func TestParseCompression(t *testing.T) {
	t.Parallel()

	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	c, err = ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	_, err = ParseCompression("brotli")
	assert.Error(t, err)
}

func TestSave_RecordsSnapshot(t *testing.T) {
	t.Parallel()

	rec := &recordingRecorder{}
	src := testutil.BuildGraph(t, testutil.GraphOptions{KeyFrames: 2, PointsPerKeyFrame: 3})
	fs := fsutil.NewMemoryFileSystem()
	saver, _ := newCoordinator(fs, src, Options{Recorder: rec, SessionID: "session-1", Compression: CompressionLZ4})

	require.NoError(t, saver.Save(mapPath))
	require.Len(t, rec.infos, 1)

	info := rec.infos[0]
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, mapPath, info.Path)
	assert.Equal(t, "session-1", info.SessionID)
	assert.Equal(t, 2, info.KeyFrames)
	assert.Equal(t, 6, info.MapPoints)
	assert.Equal(t, CompressionLZ4, info.Compression)
	assert.Positive(t, info.Bytes)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), info.SavedAt)
	assert.False(t, fs.Exists(mapPath+".tmp"))
}

func TestReadSnapshot_KeepsBadEntries(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	src := testutil.BuildGraph(t, testutil.GraphOptions{
		KeyFrames:         4,
		PointsPerKeyFrame: 20,
		BadKeyFrames:      []mapgraph.KeyFrameID{2},
		BadPoints:         []mapgraph.PointID{5},
	})
	saver, _ := newCoordinator(fs, src, Options{Compression: CompressionLZ4})
	require.NoError(t, saver.Save(mapPath))

	snap, err := ReadSnapshot(fs, mapPath)
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, snap.Compression)
	require.Len(t, snap.KeyFrames, 4)
	assert.True(t, snap.KeyFrames[1].IsBad())
	assert.Len(t, snap.MapPoints, src.MapPointsInMap())

	_, err = ReadSnapshot(fs, "/maps/none.bin")
	assert.Error(t, err)

	fs.WriteFile("/maps/short.bin", []byte{1, 0, 0})
	_, err = ReadSnapshot(fs, "/maps/short.bin")
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}
