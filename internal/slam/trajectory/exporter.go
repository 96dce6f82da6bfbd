// Package trajectory exports camera trajectories in TUM and KITTI text
// formats, and renders them as a PNG plot or an HTML chart.
package trajectory

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/slamctl/internal/slam/geometry"
	"github.com/banshee-data/slamctl/internal/slam/mapgraph"
)

// ErrEmptyMap is returned when records need a reference but the store holds
// no keyframes.
var ErrEmptyMap = errors.New("map has no keyframes")

// Record is one processed frame as reported by the tracker: its pose
// relative to a reference keyframe, Tcr.
type Record struct {
	Relative  geometry.Pose
	Reference mapgraph.KeyFrameID
	Timestamp float64
	Lost      bool
}

// Sample is an exported camera pose, camera-to-world.
type Sample struct {
	Timestamp float64
	Twc       geometry.Pose
}

// Samples resolves every non-lost record to a camera-to-world pose. Poses
// are normalised so the lowest-id keyframe sits at the origin. A record
// whose reference keyframe is bad is resolved through the parent chain;
// a broken chain fails with mapgraph.ErrBrokenParentChain.
func Samples(store *mapgraph.Store, records []Record) ([]Sample, error) {
	if len(records) == 0 {
		return nil, nil
	}
	kfs := store.KeyFrames()
	if len(kfs) == 0 {
		return nil, ErrEmptyMap
	}
	two := kfs[0].Pose().Inverse()

	out := make([]Sample, 0, len(records))
	for _, rec := range records {
		if rec.Lost {
			continue
		}
		trw, _, err := store.ResolvePose(rec.Reference)
		if err != nil {
			return nil, fmt.Errorf("frame at %.6f: %w", rec.Timestamp, err)
		}
		tcw := rec.Relative.Mul(trw.Mul(two))
		out = append(out, Sample{Timestamp: rec.Timestamp, Twc: tcw.Inverse()})
	}
	return out, nil
}

// KeyFrameSamples returns the camera-to-world pose of every good keyframe in
// ascending id order.
func KeyFrameSamples(store *mapgraph.Store) []Sample {
	var out []Sample
	for _, kf := range store.KeyFrames() {
		if kf.IsBad() {
			continue
		}
		out = append(out, Sample{Timestamp: kf.Timestamp, Twc: kf.Pose().Inverse()})
	}
	return out
}

// WriteTUM writes "timestamp tx ty tz qx qy qz qw" per sample.
func WriteTUM(w io.Writer, samples []Sample) error {
	bw := bufio.NewWriter(w)
	for _, s := range samples {
		t := s.Twc.Translation()
		q := s.Twc.Quaternion()
		if _, err := fmt.Fprintf(bw, "%.6f %.9f %.9f %.9f %.9f %.9f %.9f %.9f\n",
			s.Timestamp, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteKITTI writes the row-major 3x4 camera-to-world matrix per sample.
func WriteKITTI(w io.Writer, samples []Sample) error {
	bw := bufio.NewWriter(w)
	for _, s := range samples {
		p := s.Twc
		if _, err := fmt.Fprintf(bw, "%.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f\n",
			p[0], p[1], p[2], p[3],
			p[4], p[5], p[6], p[7],
			p[8], p[9], p[10], p[11]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
