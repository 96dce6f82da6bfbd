package mapgraph

import (
	"github.com/banshee-data/slamctl/internal/slam/codec"
	"github.com/banshee-data/slamctl/internal/slam/geometry"
)

// EncodeTo writes the keyframe snapshot record.
func (k *KeyFrame) EncodeTo(e *codec.Encoder) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	e.Uint64(uint64(k.ID))
	e.Float64(k.Timestamp)
	k.tcw.ToMatrix().EncodeTo(e)
	k.tcp.ToMatrix().EncodeTo(e)
	e.Uint64(uint64(k.parent))

	children := make([]uint64, 0, len(k.children))
	for id := range k.children {
		children = append(children, uint64(id))
	}
	e.IDSet(children)

	cov := make(map[uint64]int32, len(k.covisibility))
	for id, w := range k.covisibility {
		cov[uint64(id)] = int32(w)
	}
	e.IDInt32Map(cov)

	e.Bool(k.bad)
	e.KeyPoints(k.KeyPoints)
	k.Descriptors.EncodeTo(e)
	e.WordWeights(k.BoW)
	e.Float32s(k.ScaleFactors)

	slots := make([]uint64, len(k.slots))
	for i, id := range k.slots {
		slots[i] = uint64(id)
	}
	e.Uint64s(slots)
}

// DecodeFrom reads a keyframe snapshot record into a detached keyframe.
func (k *KeyFrame) DecodeFrom(d *codec.Decoder) {
	k.ID = KeyFrameID(d.Uint64())
	k.Timestamp = d.Float64()

	var tcw, tcp codec.Matrix
	tcw.DecodeFrom(d)
	tcp.DecodeFrom(d)
	k.parent = KeyFrameID(d.Uint64())

	children := d.IDSet()
	k.children = make(map[KeyFrameID]struct{}, len(children))
	for _, id := range children {
		k.children[KeyFrameID(id)] = struct{}{}
	}

	cov := d.IDInt32Map()
	k.covisibility = make(map[KeyFrameID]int, len(cov))
	for id, w := range cov {
		k.covisibility[KeyFrameID(id)] = int(w)
	}

	k.bad = d.Bool()
	k.KeyPoints = d.KeyPoints()
	k.Descriptors.DecodeFrom(d)
	k.BoW = d.WordWeights()
	k.ScaleFactors = d.Float32s()

	slots := d.Uint64s()
	k.slots = make([]PointID, len(slots))
	for i, id := range slots {
		k.slots[i] = PointID(id)
	}

	if d.Err() != nil {
		return
	}
	var err error
	if k.tcw, err = geometry.PoseFromMatrix(tcw); err != nil {
		d.Fail("keyframe %d pose: %v", k.ID, err)
		return
	}
	if k.tcp, err = geometry.PoseFromMatrix(tcp); err != nil {
		d.Fail("keyframe %d parent transform: %v", k.ID, err)
		return
	}
	if k.ID == 0 {
		d.Fail("keyframe with reserved id 0")
	}
}

// EncodeTo writes the map point snapshot record.
func (p *MapPoint) EncodeTo(e *codec.Encoder) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e.Uint64(uint64(p.ID))
	geometry.VecToMatrix(p.pos).EncodeTo(e)
	e.Bool(p.bad)

	obs := make(map[uint64]uint64, len(p.observations))
	for kf, idx := range p.observations {
		obs[uint64(kf)] = uint64(idx)
	}
	e.IDUint64Map(obs)

	e.Uint64(uint64(p.refKF))
	p.descriptor.EncodeTo(e)
	geometry.VecToMatrix(p.normal).EncodeTo(e)
	e.Float32(p.minDist)
	e.Float32(p.maxDist)
}

// DecodeFrom reads a map point snapshot record into a detached point.
func (p *MapPoint) DecodeFrom(d *codec.Decoder) {
	p.ID = PointID(d.Uint64())

	var pos, normal codec.Matrix
	pos.DecodeFrom(d)
	p.bad = d.Bool()

	obs := d.IDUint64Map()
	p.observations = make(map[KeyFrameID]int, len(obs))
	for kf, idx := range obs {
		p.observations[KeyFrameID(kf)] = int(idx)
	}

	p.refKF = KeyFrameID(d.Uint64())
	p.descriptor.DecodeFrom(d)
	normal.DecodeFrom(d)
	p.minDist = d.Float32()
	p.maxDist = d.Float32()

	if d.Err() != nil {
		return
	}
	var err error
	if p.pos, err = geometry.VecFromMatrix(pos); err != nil {
		d.Fail("map point %d position: %v", p.ID, err)
		return
	}
	if p.normal, err = geometry.VecFromMatrix(normal); err != nil {
		d.Fail("map point %d normal: %v", p.ID, err)
		return
	}
	if p.ID == 0 {
		d.Fail("map point with reserved id 0")
	}
}

// EncodeSnapshot writes sequence A (keyframes) then sequence B (points).
// Callers are responsible for ordering keyframes.
func EncodeSnapshot(e *codec.Encoder, kfs []*KeyFrame, points []*MapPoint) {
	codec.EncodeRecords(e, kfs)
	codec.EncodeRecords(e, points)
}

// DecodeSnapshot reads both sequences. A keyframe or map point id that
// appears twice makes the stream corrupt. On error the returned slices must
// be discarded.
func DecodeSnapshot(d *codec.Decoder) ([]*KeyFrame, []*MapPoint, error) {
	kfs := codec.DecodeRecords[KeyFrame](d)
	if id, ok := firstDuplicate(kfs, func(k *KeyFrame) KeyFrameID { return k.ID }); ok {
		d.Fail("keyframe %d appears more than once", id)
	}
	points := codec.DecodeRecords[MapPoint](d)
	if id, ok := firstDuplicate(points, func(p *MapPoint) PointID { return p.ID }); ok {
		d.Fail("map point %d appears more than once", id)
	}
	if err := d.Err(); err != nil {
		return nil, nil, err
	}
	return kfs, points, nil
}

func firstDuplicate[T any, ID comparable](recs []*T, id func(*T) ID) (ID, bool) {
	seen := make(map[ID]struct{}, len(recs))
	for _, r := range recs {
		if r == nil {
			continue
		}
		k := id(r)
		if _, dup := seen[k]; dup {
			return k, true
		}
		seen[k] = struct{}{}
	}
	var zero ID
	return zero, false
}
