package mapgraph

import (
	"maps"
	"math/bits"
	"slices"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/slamctl/internal/slam/codec"
)

// PointID identifies a map point. Zero marks an empty keyframe slot.
type PointID uint64

// MapPoint is a triangulated landmark. Observations map each observing
// keyframe to the feature index at which it sees the point.
type MapPoint struct {
	ID PointID

	mu           sync.RWMutex
	pos          r3.Vec
	bad          bool
	observations map[KeyFrameID]int
	refKF        KeyFrameID

	descriptor codec.Matrix
	normal     r3.Vec
	minDist    float32
	maxDist    float32
}

// NewMapPoint creates a point with no observations.
func NewMapPoint(id PointID, pos r3.Vec, ref KeyFrameID) *MapPoint {
	return &MapPoint{
		ID:           id,
		pos:          pos,
		refKF:        ref,
		observations: map[KeyFrameID]int{},
	}
}

func (p *MapPoint) Position() r3.Vec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pos
}

func (p *MapPoint) SetPosition(pos r3.Vec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = pos
}

func (p *MapPoint) IsBad() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bad
}

// Observations returns a copy of the keyframe → feature index map.
func (p *MapPoint) Observations() map[KeyFrameID]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.observations)
}

func (p *MapPoint) NumObservations() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.observations)
}

// ObservationIndex returns the feature index at which kf observes the
// point.
func (p *MapPoint) ObservationIndex(kf KeyFrameID) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx, ok := p.observations[kf]
	return idx, ok
}

// AddObservation records that kf sees the point at feature idx. An existing
// observation by kf is left unchanged.
func (p *MapPoint) AddObservation(kf KeyFrameID, idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.observations[kf]; ok {
		return
	}
	p.observations[kf] = idx
}

// EraseObservation drops kf. If kf was the reference keyframe the lowest
// remaining observer takes over.
func (p *MapPoint) EraseObservation(kf KeyFrameID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.observations, kf)
	if p.refKF == kf {
		p.refKF = lowestObserver(p.observations)
	}
}

// TakeObservations returns the observation map and leaves the point with
// none. Used when observations are rebuilt from keyframe slots.
func (p *MapPoint) TakeObservations() map[KeyFrameID]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	obs := p.observations
	p.observations = map[KeyFrameID]int{}
	return obs
}

func (p *MapPoint) ReferenceKeyFrame() KeyFrameID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refKF
}

func (p *MapPoint) SetReferenceKeyFrame(kf KeyFrameID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refKF = kf
}

// Descriptor returns the representative descriptor row.
func (p *MapPoint) Descriptor() codec.Matrix {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.descriptor
}

// Normal returns the mean viewing direction.
func (p *MapPoint) Normal() r3.Vec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.normal
}

// DistanceRange returns the scale-invariance distance bounds.
func (p *MapPoint) DistanceRange() (minDist, maxDist float32) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minDist, p.maxDist
}

// ComputeDistinctiveDescriptors picks, among the descriptors of all
// observing keyframes, the one with the least median Hamming distance to
// the others.
func (p *MapPoint) ComputeDistinctiveDescriptors(s *Store) {
	obs := p.Observations()
	if p.IsBad() || len(obs) == 0 {
		return
	}

	var descs [][]byte
	for _, kfID := range slices.Sorted(maps.Keys(obs)) {
		kf := s.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			continue
		}
		if row := kf.DescriptorRow(obs[kfID]); row != nil {
			descs = append(descs, row)
		}
	}
	if len(descs) == 0 {
		return
	}

	n := len(descs)
	dist := make([][]int, n)
	for i := range dist {
		dist[i] = make([]int, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := hamming(descs[i], descs[j])
			dist[i][j], dist[j][i] = d, d
		}
	}

	best, bestMedian := 0, int(^uint(0)>>1)
	for i := 0; i < n; i++ {
		row := slices.Clone(dist[i])
		slices.Sort(row)
		if median := row[(n-1)/2]; median < bestMedian {
			best, bestMedian = i, median
		}
	}

	m := codec.Matrix{Cols: int32(len(descs[best])), Rows: 1, ElemSize: 1, Type: codec.TypeU8, Data: slices.Clone(descs[best])}
	p.mu.Lock()
	p.descriptor = m
	p.mu.Unlock()
}

// UpdateNormalAndDepth recomputes the mean viewing direction from all
// observing keyframes and the distance range from the reference keyframe's
// pyramid level. A reference keyframe that no longer observes the point is
// replaced by the lowest observer.
func (p *MapPoint) UpdateNormalAndDepth(s *Store) {
	p.mu.RLock()
	bad := p.bad
	obs := maps.Clone(p.observations)
	ref := p.refKF
	pos := p.pos
	p.mu.RUnlock()

	if bad || len(obs) == 0 {
		return
	}
	if _, ok := obs[ref]; !ok || s.KeyFrame(ref) == nil {
		ref = lowestObserver(obs)
	}
	refKF := s.KeyFrame(ref)
	if refKF == nil {
		return
	}

	var normal r3.Vec
	count := 0
	for kfID := range obs {
		kf := s.KeyFrame(kfID)
		if kf == nil {
			continue
		}
		dir := r3.Sub(pos, kf.CameraCenter())
		if r3.Norm(dir) == 0 {
			continue
		}
		normal = r3.Add(normal, r3.Unit(dir))
		count++
	}

	dist := r3.Norm(r3.Sub(pos, refKF.CameraCenter()))
	levelScale := refKF.ScaleFactor(refKF.Octave(obs[ref]))
	maxDist := dist * levelScale
	minDist := maxDist
	if n := len(refKF.ScaleFactors); n > 0 && refKF.ScaleFactors[n-1] > 0 {
		minDist = maxDist / float64(refKF.ScaleFactors[n-1])
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.refKF = ref
	p.maxDist = float32(maxDist)
	p.minDist = float32(minDist)
	if count > 0 {
		p.normal = r3.Scale(1/float64(count), normal)
	}
}

func hamming(a, b []byte) int {
	d := 0
	for i := range min(len(a), len(b)) {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}

func lowestObserver(obs map[KeyFrameID]int) KeyFrameID {
	var low KeyFrameID
	for id := range obs {
		if low == 0 || id < low {
			low = id
		}
	}
	return low
}
