package codec

// KeyPoint is a detected image feature.
type KeyPoint struct {
	Angle    float32
	ClassID  int32
	Octave   int32
	Response float32
	X        float32
	Y        float32
}

// EncodeTo writes the feature. Response is written twice: existing snapshot
// files carry the duplicate, so the layout is kept for compatibility.
func (k KeyPoint) EncodeTo(e *Encoder) {
	e.Float32(k.Angle)
	e.Int32(k.ClassID)
	e.Int32(k.Octave)
	e.Float32(k.Response)
	e.Float32(k.Response)
	e.Float32(k.X)
	e.Float32(k.Y)
}

// DecodeFrom reads a feature. The second response value wins, matching how
// the files were originally read back.
func (k *KeyPoint) DecodeFrom(d *Decoder) {
	k.Angle = d.Float32()
	k.ClassID = d.Int32()
	k.Octave = d.Int32()
	k.Response = d.Float32()
	k.Response = d.Float32()
	k.X = d.Float32()
	k.Y = d.Float32()
}

// KeyPointSize is the encoded size of one KeyPoint in bytes.
const KeyPointSize = 7 * 4

// KeyPoints writes a length-prefixed keypoint sequence.
func (e *Encoder) KeyPoints(kps []KeyPoint) {
	e.Count(len(kps))
	for _, kp := range kps {
		kp.EncodeTo(e)
	}
}

// KeyPoints reads a keypoint sequence.
func (d *Decoder) KeyPoints() []KeyPoint {
	n := d.Count()
	out := make([]KeyPoint, 0, min(n, maxPrealloc))
	for i := 0; i < n && d.err == nil; i++ {
		var kp KeyPoint
		kp.DecodeFrom(d)
		out = append(out, kp)
	}
	return out
}
