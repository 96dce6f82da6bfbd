// Package persistence saves the map graph to a snapshot file and rebuilds
// it from one.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/banshee-data/slamctl/internal/fsutil"
	"github.com/banshee-data/slamctl/internal/monitoring"
	"github.com/banshee-data/slamctl/internal/slam/bow"
	"github.com/banshee-data/slamctl/internal/slam/codec"
	"github.com/banshee-data/slamctl/internal/slam/mapgraph"
	"github.com/banshee-data/slamctl/internal/timeutil"
)

var (
	// ErrSaveOpen is returned when the snapshot file cannot be created.
	ErrSaveOpen = errors.New("cannot open map file for writing")
	// ErrCorruptSnapshot is returned when a snapshot fails to decode.
	// Nothing is installed in that case.
	ErrCorruptSnapshot = errors.New("corrupt map snapshot")
)

// DefaultProgressInterval is how often load progress is reported while
// keyframes are being installed.
const DefaultProgressInterval = 30 * time.Millisecond

// SnapshotInfo describes a successfully written snapshot.
type SnapshotInfo struct {
	ID          string
	Path        string
	SessionID   string
	KeyFrames   int
	MapPoints   int
	Bytes       int64
	Compression Compression
	SavedAt     time.Time
}

// Recorder is notified after each successful save, e.g. to catalog the
// snapshot. Recorder errors are logged and do not fail the save.
type Recorder interface {
	RecordSnapshot(ctx context.Context, info SnapshotInfo) error
}

// Options configures a Coordinator. Zero values select OS files, the real
// clock, no compression and no recorder.
type Options struct {
	FS               fsutil.FileSystem
	Clock            timeutil.Clock
	Compression      Compression
	Recorder         Recorder
	SessionID        string
	Logger           *log.Logger
	ProgressInterval time.Duration
}

// Coordinator saves and loads the map graph held by a store and its
// keyframe index.
type Coordinator struct {
	store *mapgraph.Store
	index *bow.Database
	opts  Options
	log   *log.Logger

	// diagnostics for skipped entries during reconstruction
	diag rate.Sometimes

	installed atomic.Int64
	total     atomic.Int64

	onInstall func(mapgraph.KeyFrameID)
}

// New returns a coordinator for store and index.
func New(store *mapgraph.Store, index *bow.Database, opts Options) *Coordinator {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = monitoring.Component("persistence")
	}
	return &Coordinator{
		store: store,
		index: index,
		opts:  opts,
		log:   logger,
		diag:  rate.Sometimes{First: 10, Interval: time.Second},
	}
}

// LoadProgress reports keyframes installed so far by the running or last
// load, and the number decoded.
func (c *Coordinator) LoadProgress() (installed, total int64) {
	return c.installed.Load(), c.total.Load()
}

// Save writes the current graph to path.
func (c *Coordinator) Save(path string) error {
	return c.SaveContext(context.Background(), path)
}

// SaveContext writes keyframes in ascending id order, then map points in
// store order. The snapshot is written to a temporary file and renamed over
// path, so a failed save never leaves a truncated snapshot behind.
func (c *Coordinator) SaveContext(ctx context.Context, path string) error {
	kfs := c.store.KeyFrames()
	points := c.store.MapPoints()

	tmp := path + ".tmp"
	f, err := c.opts.FS.Create(tmp)
	if err != nil {
		monitoring.MapSaveFailures.Inc()
		return fmt.Errorf("%w: %s: %w", ErrSaveOpen, path, err)
	}

	if err := c.writeSnapshot(f, kfs, points); err != nil {
		_ = f.Close()
		_ = c.opts.FS.Remove(tmp)
		monitoring.MapSaveFailures.Inc()
		return fmt.Errorf("write map %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = c.opts.FS.Remove(tmp)
		monitoring.MapSaveFailures.Inc()
		return fmt.Errorf("close map %s: %w", path, err)
	}
	if err := c.opts.FS.Rename(tmp, path); err != nil {
		_ = c.opts.FS.Remove(tmp)
		monitoring.MapSaveFailures.Inc()
		return fmt.Errorf("rename map %s: %w", path, err)
	}
	monitoring.MapSaves.Inc()

	size, _ := c.opts.FS.Size(path)
	info := SnapshotInfo{
		ID:          uuid.NewString(),
		Path:        path,
		SessionID:   c.opts.SessionID,
		KeyFrames:   len(kfs),
		MapPoints:   len(points),
		Bytes:       size,
		Compression: c.opts.Compression,
		SavedAt:     c.opts.Clock.Now().UTC(),
	}
	c.log.Info("map saved", "path", path, "keyframes", info.KeyFrames, "mappoints", info.MapPoints, "bytes", size)

	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.RecordSnapshot(ctx, info); err != nil {
			c.log.Warn("failed to record snapshot", "path", path, "err", err)
		}
	}
	return nil
}

func (c *Coordinator) writeSnapshot(f io.Writer, kfs []*mapgraph.KeyFrame, points []*mapgraph.MapPoint) error {
	zw, err := compressWriter(f, c.opts.Compression)
	if err != nil {
		return err
	}
	enc := codec.NewEncoder(zw)
	mapgraph.EncodeSnapshot(enc, kfs, points)
	if err := enc.Flush(); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// Load decodes the snapshot at path and rebuilds the graph into the store.
// An empty path or a file that cannot be opened returns false with no
// error; the caller continues with an empty map. A stream that fails to
// decode returns ErrCorruptSnapshot and installs nothing.
//
// Load must not run concurrently with other writers of the store.
func (c *Coordinator) Load(path string) (bool, error) {
	start := c.opts.Clock.Now()
	if path == "" {
		c.log.Warn("map file is empty, starting with an empty map")
		monitoring.MapLoads("missing").Inc()
		return false, nil
	}

	f, err := c.opts.FS.Open(path)
	if err != nil {
		c.log.Warn("cannot open map file, starting with an empty map", "path", path, "err", err)
		monitoring.MapLoads("missing").Inc()
		return false, nil
	}
	defer f.Close()

	snap, err := decodeSnapshot(f)
	if err != nil {
		monitoring.MapLoads("corrupt").Inc()
		return false, fmt.Errorf("%w: %s: %w", ErrCorruptSnapshot, path, err)
	}
	c.log.Info("map decoded", "path", path, "keyframes", len(snap.KeyFrames), "mappoints", len(snap.MapPoints), "compression", snap.Compression)

	c.reconstruct(snap.KeyFrames, snap.MapPoints)

	monitoring.MapLoads("ok").Inc()
	monitoring.ObserveSince(monitoring.MapLoadDuration, c.opts.Clock, start)
	return true, nil
}

// Snapshot is a decoded snapshot file, exactly as persisted and before any
// reconstruction.
type Snapshot struct {
	KeyFrames   []*mapgraph.KeyFrame
	MapPoints   []*mapgraph.MapPoint
	Compression Compression
}

// ReadSnapshot decodes the snapshot at path without installing it.
func ReadSnapshot(fs fsutil.FileSystem, path string) (Snapshot, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Snapshot{}, err
	}
	defer f.Close()

	snap, err := decodeSnapshot(f)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %w", ErrCorruptSnapshot, path, err)
	}
	return snap, nil
}

func decodeSnapshot(r io.Reader) (Snapshot, error) {
	raw, compression, release, err := decompressReader(r)
	if err != nil {
		return Snapshot{}, err
	}
	defer release()

	kfs, points, err := mapgraph.DecodeSnapshot(codec.NewDecoder(raw))
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{KeyFrames: kfs, MapPoints: points, Compression: compression}, nil
}

// reconstruct installs a decoded batch. Phase 1 installs keyframes and
// relinks points from keyframe slots on its own goroutine; phase 2 then
// recomputes point statistics while this goroutine rebuilds covisibility.
func (c *Coordinator) reconstruct(kfs []*mapgraph.KeyFrame, points []*mapgraph.MapPoint) {
	// Observations are rebuilt from slots only, which keeps both directions
	// consistent even if the persisted maps disagree with the slots.
	batch := make(map[mapgraph.PointID]*mapgraph.MapPoint, len(points))
	persisted := make(map[mapgraph.PointID]map[mapgraph.KeyFrameID]int, len(points))
	for _, p := range points {
		if p == nil {
			continue
		}
		persisted[p.ID] = p.TakeObservations()
		batch[p.ID] = p
	}

	c.installed.Store(0)
	c.total.Store(int64(len(kfs)))

	var installed []*mapgraph.KeyFrame
	phase1Done := make(chan struct{})
	go func() {
		defer close(phase1Done)
		installed = c.installKeyFrames(kfs, batch)
	}()

	ticker := c.opts.Clock.NewTicker(c.opts.ProgressInterval)
	for waiting := true; waiting; {
		select {
		case <-phase1Done:
			waiting = false
		case <-ticker.C():
			c.log.Debug("installing keyframes", "installed", c.installed.Load(), "total", len(kfs))
		}
	}
	ticker.Stop()

	mismatched := 0
	for id, p := range batch {
		if !p.IsBad() && !maps.Equal(persisted[id], p.Observations()) {
			mismatched++
		}
	}
	if mismatched > 0 {
		c.log.Warn("persisted observations disagreed with keyframe slots; rebuilt from slots", "mappoints", mismatched)
	}

	var g errgroup.Group
	g.Go(func() error {
		c.finalizePoints(points)
		return nil
	})
	for _, kf := range installed {
		c.store.UpdateConnections(kf.ID)
	}
	_ = g.Wait()

	c.store.InformNewBigChange()
	c.log.Info("map reconstructed", "keyframes", len(installed), "mappoints", c.store.MapPointsInMap())
}

// installKeyFrames is phase 1. Keyframes are installed in decode order.
func (c *Coordinator) installKeyFrames(kfs []*mapgraph.KeyFrame, batch map[mapgraph.PointID]*mapgraph.MapPoint) []*mapgraph.KeyFrame {
	installed := make([]*mapgraph.KeyFrame, 0, len(kfs))
	for i, kf := range kfs {
		if kf == nil || kf.IsBad() {
			monitoring.KeyFramesSkipped.Inc()
			c.diag.Do(func() {
				c.log.Warn("skipping null or bad keyframe", "position", i)
			})
			continue
		}

		c.store.AddKeyFrame(kf)
		c.index.Add(kf.ID, kf.BoW)

		for slot, pid := range kf.Slots() {
			if pid == 0 {
				continue
			}
			p := batch[pid]
			if p == nil || p.IsBad() {
				kf.EraseMapPointAt(slot)
				c.diag.Do(func() {
					c.log.Warn("clearing slot with missing or bad map point", "keyframe", kf.ID, "slot", slot, "mappoint", pid)
				})
				continue
			}
			p.AddObservation(kf.ID, slot)
			if idx, _ := p.ObservationIndex(kf.ID); idx != slot {
				// the point is already seen by this keyframe at another slot
				kf.EraseMapPointAt(slot)
				continue
			}
			kf.SetMapPoint(slot, pid)
			c.store.AddMapPoint(p)
		}

		installed = append(installed, kf)
		if c.onInstall != nil {
			c.onInstall(kf.ID)
		}
		c.installed.Add(1)
		monitoring.KeyFramesInstalled.Inc()
	}
	return installed
}

// finalizePoints is phase 2.
func (c *Coordinator) finalizePoints(points []*mapgraph.MapPoint) {
	for _, p := range points {
		if p == nil || p.IsBad() {
			monitoring.MapPointsSkipped.Inc()
			continue
		}
		p.ComputeDistinctiveDescriptors(c.store)
		p.UpdateNormalAndDepth(c.store)
		c.store.AddMapPoint(p)
		monitoring.MapPointsFinalized.Inc()
	}
}
