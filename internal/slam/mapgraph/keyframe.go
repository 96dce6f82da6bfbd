package mapgraph

import (
	"maps"
	"slices"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/slamctl/internal/slam/codec"
	"github.com/banshee-data/slamctl/internal/slam/geometry"
)

// KeyFrameID identifies a keyframe. Zero means "none".
type KeyFrameID uint64

// KeyFrame is a retained camera observation anchoring the map. Feature data
// is fixed at creation; pose, graph links, slots and the bad flag are
// guarded by the keyframe's own lock. Links to other keyframes and points
// are ids resolved through the Store.
type KeyFrame struct {
	ID        KeyFrameID
	Timestamp float64

	KeyPoints    []codec.KeyPoint
	Descriptors  codec.Matrix // one row per keypoint
	BoW          map[uint32]float64
	ScaleFactors []float32 // per pyramid octave

	mu           sync.RWMutex
	tcw          geometry.Pose
	tcp          geometry.Pose
	parent       KeyFrameID
	children     map[KeyFrameID]struct{}
	covisibility map[KeyFrameID]int
	bad          bool
	slots        []PointID
}

// NewKeyFrame creates a keyframe with one empty landmark slot per keypoint.
func NewKeyFrame(id KeyFrameID, timestamp float64, tcw geometry.Pose, kps []codec.KeyPoint, desc codec.Matrix, scaleFactors []float32) *KeyFrame {
	return &KeyFrame{
		ID:           id,
		Timestamp:    timestamp,
		KeyPoints:    kps,
		Descriptors:  desc,
		BoW:          map[uint32]float64{},
		ScaleFactors: scaleFactors,
		tcw:          tcw,
		tcp:          geometry.Identity(),
		children:     map[KeyFrameID]struct{}{},
		covisibility: map[KeyFrameID]int{},
		slots:        make([]PointID, len(kps)),
	}
}

// Pose returns the world-to-camera transform Tcw.
func (k *KeyFrame) Pose() geometry.Pose {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tcw
}

func (k *KeyFrame) SetPose(tcw geometry.Pose) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tcw = tcw
}

// CameraCenter returns the camera centre in world coordinates.
func (k *KeyFrame) CameraCenter() r3.Vec {
	return k.Pose().CameraCenter()
}

// RelativeToParent returns Tcp, the transform from the parent's camera
// frame, used to recover this keyframe's pose once it is bad.
func (k *KeyFrame) RelativeToParent() geometry.Pose {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tcp
}

func (k *KeyFrame) SetRelativeToParent(tcp geometry.Pose) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tcp = tcp
}

// Parent returns the spanning-tree parent, or 0 for the root.
func (k *KeyFrame) Parent() KeyFrameID {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.parent
}

func (k *KeyFrame) setParent(id KeyFrameID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.parent = id
}

// Children returns the spanning-tree children in ascending id order.
func (k *KeyFrame) Children() []KeyFrameID {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return slices.Sorted(maps.Keys(k.children))
}

func (k *KeyFrame) addChild(id KeyFrameID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.children[id] = struct{}{}
}

func (k *KeyFrame) eraseChild(id KeyFrameID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.children, id)
}

// IsBad reports whether the keyframe has been logically deleted.
func (k *KeyFrame) IsBad() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.bad
}

// Covisibility returns a copy of the neighbour → shared-observation weights.
func (k *KeyFrame) Covisibility() map[KeyFrameID]int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return maps.Clone(k.covisibility)
}

// Weight returns the covisibility weight to other, 0 if unconnected.
func (k *KeyFrame) Weight(other KeyFrameID) int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.covisibility[other]
}

// AddConnection sets the covisibility weight to other.
func (k *KeyFrame) AddConnection(other KeyFrameID, weight int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.covisibility[other] = weight
}

// EraseConnection removes the covisibility edge to other.
func (k *KeyFrame) EraseConnection(other KeyFrameID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.covisibility, other)
}

// BestCovisibles returns up to n neighbours ordered by descending weight,
// ties by ascending id. n <= 0 returns all.
func (k *KeyFrame) BestCovisibles(n int) []KeyFrameID {
	cov := k.Covisibility()
	ids := slices.Collect(maps.Keys(cov))
	slices.SortFunc(ids, func(a, b KeyFrameID) int {
		if cov[a] != cov[b] {
			return cov[b] - cov[a]
		}
		return cmpID(a, b)
	})
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

func (k *KeyFrame) setConnections(cov map[KeyFrameID]int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.covisibility = cov
}

// NumSlots returns the number of landmark slots (one per keypoint).
func (k *KeyFrame) NumSlots() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.slots)
}

// MapPointAt returns the landmark in slot i, or 0 when empty or out of range.
func (k *KeyFrame) MapPointAt(i int) PointID {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if i < 0 || i >= len(k.slots) {
		return 0
	}
	return k.slots[i]
}

// SetMapPoint stores id in slot i. Out of range indices are ignored.
func (k *KeyFrame) SetMapPoint(i int, id PointID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if i >= 0 && i < len(k.slots) {
		k.slots[i] = id
	}
}

// EraseMapPointAt empties slot i.
func (k *KeyFrame) EraseMapPointAt(i int) {
	k.SetMapPoint(i, 0)
}

// Slots returns a copy of the landmark slots.
func (k *KeyFrame) Slots() []PointID {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return slices.Clone(k.slots)
}

// MapPoints returns the distinct landmarks referenced by occupied slots.
func (k *KeyFrame) MapPoints() []PointID {
	k.mu.RLock()
	defer k.mu.RUnlock()
	seen := make(map[PointID]struct{}, len(k.slots))
	out := make([]PointID, 0, len(k.slots))
	for _, id := range k.slots {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Octave returns the pyramid level of keypoint i.
func (k *KeyFrame) Octave(i int) int {
	if i < 0 || i >= len(k.KeyPoints) {
		return 0
	}
	return int(k.KeyPoints[i].Octave)
}

// ScaleFactor returns the scale factor of the given octave, 1 if unknown.
func (k *KeyFrame) ScaleFactor(octave int) float64 {
	if octave < 0 || octave >= len(k.ScaleFactors) {
		return 1
	}
	return float64(k.ScaleFactors[octave])
}

// DescriptorRow returns the descriptor bytes of keypoint i.
func (k *KeyFrame) DescriptorRow(i int) []byte {
	if i < 0 || i >= int(k.Descriptors.Rows) {
		return nil
	}
	return k.Descriptors.RowBytes(i)
}

func cmpID[T ~uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
