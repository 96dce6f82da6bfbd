// Package mapgraph holds the shared map graph: keyframes, map points and the
// store that owns both. Cross references are ids resolved through the
// Store, so the graph has no pointer cycles and its persisted form is
// naturally id based.
package mapgraph

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/banshee-data/slamctl/internal/slam/geometry"
)

// ErrBrokenParentChain reports a bad keyframe whose parent chain cycles or
// ends without reaching a good keyframe.
var ErrBrokenParentChain = errors.New("broken keyframe parent chain")

// Store owns every keyframe and map point. Structural mutations are
// serialized by an RWMutex; per-object state uses the objects' own locks.
//
// The big-change counter belongs to the store instance: a new Store (or
// Clear) starts it again from zero, so consumers must re-read it after a
// store is replaced.
type Store struct {
	mu         sync.RWMutex
	keyFrames  map[KeyFrameID]*KeyFrame
	points     map[PointID]*MapPoint
	pointOrder []PointID
	maxKFID    KeyFrameID
	bigChange  uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		keyFrames: map[KeyFrameID]*KeyFrame{},
		points:    map[PointID]*MapPoint{},
	}
}

// AddKeyFrame inserts kf, replacing any keyframe with the same id.
func (s *Store) AddKeyFrame(kf *KeyFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyFrames[kf.ID] = kf
	if kf.ID > s.maxKFID {
		s.maxKFID = kf.ID
	}
}

// AddMapPoint registers p. Registering the same point again keeps its
// original position in iteration order.
func (s *Store) AddMapPoint(p *MapPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.points[p.ID]; !ok {
		s.pointOrder = append(s.pointOrder, p.ID)
	}
	s.points[p.ID] = p
}

// KeyFrame returns the keyframe with the given id, or nil.
func (s *Store) KeyFrame(id KeyFrameID) *KeyFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyFrames[id]
}

// MapPoint returns the point with the given id, or nil.
func (s *Store) MapPoint(id PointID) *MapPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.points[id]
}

// KeyFrames returns all keyframes, bad ones included, in ascending id order.
func (s *Store) KeyFrames() []*KeyFrame {
	s.mu.RLock()
	ids := slices.Sorted(maps.Keys(s.keyFrames))
	out := make([]*KeyFrame, len(ids))
	for i, id := range ids {
		out[i] = s.keyFrames[id]
	}
	s.mu.RUnlock()
	return out
}

// MapPoints returns all points, bad ones included, in insertion order.
func (s *Store) MapPoints() []*MapPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MapPoint, len(s.pointOrder))
	for i, id := range s.pointOrder {
		out[i] = s.points[id]
	}
	return out
}

func (s *Store) KeyFramesInMap() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keyFrames)
}

func (s *Store) MapPointsInMap() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// MaxKeyFrameID returns the highest keyframe id ever inserted.
func (s *Store) MaxKeyFrameID() KeyFrameID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxKFID
}

// InformNewBigChange records a topology change (culling, loop merge).
func (s *Store) InformNewBigChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bigChange++
}

// LastBigChangeIdx returns the monotonic big-change counter.
func (s *Store) LastBigChangeIdx() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bigChange
}

// Clear drops every keyframe and point and resets the big-change counter.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyFrames = map[KeyFrameID]*KeyFrame{}
	s.points = map[PointID]*MapPoint{}
	s.pointOrder = nil
	s.maxKFID = 0
	s.bigChange = 0
}

// Link places point pid in slot idx of keyframe kfID and records the
// matching observation, keeping both directions consistent.
func (s *Store) Link(kfID KeyFrameID, idx int, pid PointID) error {
	kf, p := s.KeyFrame(kfID), s.MapPoint(pid)
	if kf == nil || p == nil {
		return fmt.Errorf("link keyframe %d slot %d to point %d: unknown id", kfID, idx, pid)
	}
	if idx < 0 || idx >= kf.NumSlots() {
		return fmt.Errorf("link keyframe %d: slot %d out of range", kfID, idx)
	}
	p.AddObservation(kfID, idx)
	kf.SetMapPoint(idx, pid)
	return nil
}

// ChangeParent moves child under parent in the spanning tree.
func (s *Store) ChangeParent(child, parent KeyFrameID) error {
	c := s.KeyFrame(child)
	if c == nil {
		return fmt.Errorf("change parent: unknown keyframe %d", child)
	}
	if old := s.KeyFrame(c.Parent()); old != nil {
		old.eraseChild(child)
	}
	c.setParent(parent)
	if parent == 0 {
		return nil
	}
	p := s.KeyFrame(parent)
	if p == nil {
		return fmt.Errorf("change parent: unknown keyframe %d", parent)
	}
	p.addChild(child)
	return nil
}

// CullMapPoint marks a point bad and empties every slot that references it.
// The point stays in the store.
func (s *Store) CullMapPoint(id PointID) {
	p := s.MapPoint(id)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.bad = true
	obs := p.observations
	p.observations = map[KeyFrameID]int{}
	p.mu.Unlock()

	for kfID, idx := range obs {
		if kf := s.KeyFrame(kfID); kf != nil && kf.MapPointAt(idx) == id {
			kf.EraseMapPointAt(idx)
		}
	}
	s.InformNewBigChange()
}

// CullKeyFrame marks a keyframe bad. It records Tcp against its parent so
// its pose stays recoverable, hands its children to its parent, and drops
// its observations and covisibility edges. The root keyframe is never
// culled.
func (s *Store) CullKeyFrame(id KeyFrameID) error {
	kf := s.KeyFrame(id)
	if kf == nil {
		return fmt.Errorf("cull keyframe: unknown keyframe %d", id)
	}
	parentID := kf.Parent()
	parent := s.KeyFrame(parentID)
	if parent == nil {
		return fmt.Errorf("cull keyframe %d: no parent", id)
	}

	for i, pid := range kf.Slots() {
		if pid == 0 {
			continue
		}
		if p := s.MapPoint(pid); p != nil {
			if idx, ok := p.ObservationIndex(id); ok && idx == i {
				p.EraseObservation(id)
			}
		}
	}
	for other := range kf.Covisibility() {
		if o := s.KeyFrame(other); o != nil {
			o.EraseConnection(id)
		}
	}
	for _, child := range kf.Children() {
		if err := s.ChangeParent(child, parentID); err != nil {
			return err
		}
	}
	// the culled keyframe keeps its parent link for pose recovery but
	// leaves the parent's children
	parent.eraseChild(id)

	tcp := kf.Pose().Mul(parent.Pose().Inverse())
	kf.mu.Lock()
	kf.tcp = tcp
	kf.bad = true
	kf.covisibility = map[KeyFrameID]int{}
	kf.mu.Unlock()

	s.InformNewBigChange()
	return nil
}

// ResolvePose returns the world-to-camera pose of keyframe id. For a bad
// keyframe the parent chain is walked, composing each hop's Tcp, until a
// good keyframe is found. The walk fails with ErrBrokenParentChain on a
// cycle, a missing parent, or a root that is bad.
func (s *Store) ResolvePose(id KeyFrameID) (geometry.Pose, KeyFrameID, error) {
	trw := geometry.Identity()
	visited := map[KeyFrameID]struct{}{}
	cur := id
	for {
		kf := s.KeyFrame(cur)
		if kf == nil {
			return geometry.Pose{}, 0, fmt.Errorf("%w: keyframe %d not found (from %d)", ErrBrokenParentChain, cur, id)
		}
		if !kf.IsBad() {
			return trw.Mul(kf.Pose()), cur, nil
		}
		if _, seen := visited[cur]; seen {
			return geometry.Pose{}, 0, fmt.Errorf("%w: cycle at keyframe %d (from %d)", ErrBrokenParentChain, cur, id)
		}
		visited[cur] = struct{}{}
		trw = trw.Mul(kf.RelativeToParent())
		cur = kf.Parent()
		if cur == 0 {
			return geometry.Pose{}, 0, fmt.Errorf("%w: bad root reached from %d", ErrBrokenParentChain, id)
		}
	}
}
