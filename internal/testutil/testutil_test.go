package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/slamctl/internal/slam/mapgraph"
)

func TestBuildGraph_Shape(t *testing.T) {
	t.Parallel()

	s := BuildGraph(t, GraphOptions{KeyFrames: 4, PointsPerKeyFrame: 20})

	assert.Equal(t, 4, s.KeyFramesInMap())
	assert.Equal(t, 80, s.MapPointsInMap())

	r := RequireConsistent(t, s)
	assert.Equal(t, 160, r.Links, "every point has two observers")
	assert.Zero(t, r.OrphanPoints)

	// consecutive keyframes share 20 points
	assert.Equal(t, 20, s.KeyFrame(2).Weight(1))
	assert.Equal(t, 20, s.KeyFrame(2).Weight(3))
	assert.Equal(t, mapgraph.KeyFrameID(1), s.KeyFrame(2).Parent())
}

func TestBuildGraph_Culling(t *testing.T) {
	t.Parallel()

	s := BuildGraph(t, GraphOptions{
		KeyFrames:         5,
		PointsPerKeyFrame: 20,
		BadKeyFrames:      []mapgraph.KeyFrameID{3},
		BadPoints:         []mapgraph.PointID{1, 2},
	})

	r := RequireConsistent(t, s)
	assert.Equal(t, 1, r.BadKeyFrames)
	assert.Equal(t, 2, r.BadPoints)
	require.True(t, s.KeyFrame(3).IsBad())
	assert.Equal(t, mapgraph.KeyFrameID(2), s.KeyFrame(4).Parent(), "children move to the culled keyframe's parent")
	assert.Greater(t, s.LastBigChangeIdx(), uint64(0))
}

func TestNewKeyFrame_Features(t *testing.T) {
	t.Parallel()

	kf := NewKeyFrame(7, 10)
	assert.Equal(t, 10, kf.NumSlots())
	assert.Len(t, kf.KeyPoints, 10)
	assert.Equal(t, int32(10), kf.Descriptors.Rows)
	assert.Len(t, kf.DescriptorRow(9), DescriptorBytes)
	assert.Len(t, ScaleFactors(), 8)
}
