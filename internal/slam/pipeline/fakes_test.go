package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/slamctl/internal/slam/codec"
	"github.com/banshee-data/slamctl/internal/slam/geometry"
	"github.com/banshee-data/slamctl/internal/slam/mapgraph"
	"github.com/banshee-data/slamctl/internal/slam/trajectory"
	"github.com/banshee-data/slamctl/internal/timeutil"
)

const workerInterval = time.Millisecond

// callLog records collaborator calls across goroutines.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// index returns the position of the first call equal to name, or -1.
func (l *callLog) index(name string) int {
	for i, c := range l.all() {
		if c == name {
			return i
		}
	}
	return -1
}

type fakeTracker struct {
	log   *callLog
	store *mapgraph.Store

	mu          sync.Mutex
	state       TrackingState
	records     []trajectory.Record
	localMapper LocalMapper
	loopCloser  LoopCloser
	viewer      Viewer
}

func (t *fakeTracker) grab(name string, timestamp float64) (geometry.Pose, bool) {
	t.log.add("%s", name)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = OK
	return geometry.Identity(), true
}

func (t *fakeTracker) GrabImageStereo(_, _ codec.Matrix, ts float64) (geometry.Pose, bool) {
	return t.grab("GrabImageStereo", ts)
}

func (t *fakeTracker) GrabImageRGBD(_, _ codec.Matrix, ts float64) (geometry.Pose, bool) {
	return t.grab("GrabImageRGBD", ts)
}

func (t *fakeTracker) GrabImageMonocular(_ codec.Matrix, ts float64) (geometry.Pose, bool) {
	return t.grab("GrabImageMonocular", ts)
}

func (t *fakeTracker) InformOnlyTracking(only bool) { t.log.add("InformOnlyTracking(%t)", only) }
func (t *fakeTracker) Reset()                       { t.log.add("Reset") }

func (t *fakeTracker) State() TrackingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTracker) TrackedMapPoints() []*mapgraph.MapPoint {
	if t.store == nil {
		return nil
	}
	return t.store.MapPoints()
}

func (t *fakeTracker) TrackedKeyPoints() []codec.KeyPoint {
	return []codec.KeyPoint{{X: 1, Y: 2, Octave: 0, ClassID: -1}}
}

func (t *fakeTracker) Trajectory() []trajectory.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]trajectory.Record(nil), t.records...)
}

func (t *fakeTracker) SetLocalMapper(m LocalMapper) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localMapper = m
}

func (t *fakeTracker) SetLoopCloser(l LoopCloser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loopCloser = l
}

func (t *fakeTracker) SetViewer(v Viewer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewer = v
}

type fakeMapper struct {
	WorkerControl
	log   *callLog
	store *mapgraph.Store

	// keyframes in the store when Run started
	keyFramesAtStart atomic.Int64
	started          chan struct{}

	tracker    atomic.Value
	loopCloser atomic.Value
}

func (m *fakeMapper) Run(ctx context.Context) {
	m.keyFramesAtStart.Store(int64(m.store.KeyFramesInMap()))
	close(m.started)
	m.WorkerControl.Run(ctx, timeutil.RealClock{}, workerInterval, nil)
}

func (m *fakeMapper) RequestStop() {
	m.log.add("RequestStop")
	m.WorkerControl.RequestStop()
}

func (m *fakeMapper) Release() {
	m.log.add("Release")
	m.WorkerControl.Release()
}

func (m *fakeMapper) SetTracker(t Tracker)       { m.tracker.Store(t) }
func (m *fakeMapper) SetLoopCloser(l LoopCloser) { m.loopCloser.Store(l) }

type fakeLoopCloser struct {
	WorkerControl
	gba atomic.Bool

	tracker     atomic.Value
	localMapper atomic.Value
}

func (l *fakeLoopCloser) Run(ctx context.Context) {
	l.WorkerControl.Run(ctx, timeutil.RealClock{}, workerInterval, nil)
}

func (l *fakeLoopCloser) IsRunningGBA() bool           { return l.gba.Load() }
func (l *fakeLoopCloser) SetTracker(t Tracker)         { l.tracker.Store(t) }
func (l *fakeLoopCloser) SetLocalMapper(m LocalMapper) { l.localMapper.Store(m) }

type fakeViewer struct {
	WorkerControl
}

func (v *fakeViewer) Run(ctx context.Context) {
	v.WorkerControl.Run(ctx, timeutil.RealClock{}, workerInterval, nil)
}

// collaborators holds the fakes built by a Dependencies from newDeps.
type collaborators struct {
	log        *callLog
	tracker    *fakeTracker
	mapper     *fakeMapper
	loopCloser *fakeLoopCloser
	viewer     *fakeViewer
	built      atomic.Int32
}
