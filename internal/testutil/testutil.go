// Package testutil provides shared test fixtures for map graph tests.
package testutil

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/slamctl/internal/slam/codec"
	"github.com/banshee-data/slamctl/internal/slam/geometry"
	"github.com/banshee-data/slamctl/internal/slam/mapgraph"
)

// DescriptorBytes is the width of fixture descriptors (256-bit binary).
const DescriptorBytes = 32

// GraphOptions controls BuildGraph.
type GraphOptions struct {
	// KeyFrames are created with ids 1..KeyFrames along the x axis, each
	// parented to the previous one.
	KeyFrames int
	// PointsPerKeyFrame points are created per keyframe. Point j is observed
	// by keyframes ((j-1) mod N)+1 and the one after it, so neighbours share
	// enough points to pass the covisibility threshold.
	PointsPerKeyFrame int
	// BadKeyFrames are culled after linking. Keyframe 1 must not be listed.
	BadKeyFrames []mapgraph.KeyFrameID
	// BadPoints are culled after linking.
	BadPoints []mapgraph.PointID
}

// ScaleFactors returns an 8-level pyramid with factor 1.2.
func ScaleFactors() []float32 {
	sf := make([]float32, 8)
	sf[0] = 1
	for i := 1; i < len(sf); i++ {
		sf[i] = sf[i-1] * 1.2
	}
	return sf
}

// KeyFramePose returns the fixture pose of keyframe id.
func KeyFramePose(id mapgraph.KeyFrameID) geometry.Pose {
	return geometry.Translation(r3.Vec{X: -0.5 * float64(id)})
}

// NewKeyFrame builds a keyframe with slots empty slots and deterministic
// features.
func NewKeyFrame(id mapgraph.KeyFrameID, slots int) *mapgraph.KeyFrame {
	kps := make([]codec.KeyPoint, slots)
	desc := codec.NewMatrix(slots, DescriptorBytes, 1, codec.TypeU8)
	for i := range kps {
		kps[i] = codec.KeyPoint{
			Angle:    float32(i),
			ClassID:  -1,
			Octave:   int32(i % 3),
			Response: 0.01 * float32(i+1),
			X:        float32(10 * i),
			Y:        float32(id),
		}
		row := desc.RowBytes(i)
		for b := range row {
			row[b] = byte(int(id)*7 + i*3 + b)
		}
	}
	kf := mapgraph.NewKeyFrame(id, float64(id)*0.1, KeyFramePose(id), kps, desc, ScaleFactors())
	kf.BoW[uint32(id)] = 1
	kf.BoW[uint32(id)+1000] = 0.5
	return kf
}

// BuildGraph returns a populated store with covisibility computed.
func BuildGraph(tb testing.TB, opts GraphOptions) *mapgraph.Store {
	tb.Helper()

	n := opts.KeyFrames
	s := mapgraph.NewStore()
	slotsPerKF := 2 * opts.PointsPerKeyFrame
	for i := 1; i <= n; i++ {
		id := mapgraph.KeyFrameID(i)
		s.AddKeyFrame(NewKeyFrame(id, slotsPerKF))
		if i > 1 {
			parent := id - 1
			if err := s.ChangeParent(id, parent); err != nil {
				tb.Fatalf("change parent: %v", err)
			}
			kf := s.KeyFrame(id)
			kf.SetRelativeToParent(kf.Pose().Mul(s.KeyFrame(parent).Pose().Inverse()))
		}
	}

	nextSlot := make([]int, n+1)
	for j := 1; j <= n*opts.PointsPerKeyFrame; j++ {
		first := mapgraph.KeyFrameID((j-1)%n + 1)
		observers := []mapgraph.KeyFrameID{first}
		if n > 1 {
			observers = append(observers, first%mapgraph.KeyFrameID(n)+1)
		}

		pid := mapgraph.PointID(j)
		s.AddMapPoint(mapgraph.NewMapPoint(pid, r3.Vec{X: 0.1 * float64(j), Y: float64(j % 5), Z: 5}, first))
		for _, kfID := range observers {
			slot := nextSlot[kfID]
			nextSlot[kfID]++
			if err := s.Link(kfID, slot, pid); err != nil {
				tb.Fatalf("link: %v", err)
			}
		}
	}

	for _, p := range s.MapPoints() {
		p.ComputeDistinctiveDescriptors(s)
		p.UpdateNormalAndDepth(s)
	}
	for _, kf := range s.KeyFrames() {
		s.UpdateConnections(kf.ID)
	}

	for _, pid := range opts.BadPoints {
		s.CullMapPoint(pid)
	}
	for _, id := range opts.BadKeyFrames {
		if err := s.CullKeyFrame(id); err != nil {
			tb.Fatalf("cull keyframe %d: %v", id, err)
		}
	}
	return s
}

// RequireConsistent fails the test if the store's slot/observation links
// are not symmetric.
func RequireConsistent(tb testing.TB, s *mapgraph.Store) mapgraph.Report {
	tb.Helper()
	r := s.Verify()
	if !r.Consistent() {
		tb.Fatalf("store inconsistent:\n%v", r.Problems)
	}
	return r
}
