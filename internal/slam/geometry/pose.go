// Package geometry provides the rigid transforms used for keyframe poses and
// trajectory export.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/slamctl/internal/slam/codec"
)

// MatrixValidationTolerance is the tolerance for checking rotation matrix validity.
const MatrixValidationTolerance = 0.01

// Pose is a 4x4 homogeneous rigid transform in row-major order.
type Pose [16]float64

// Identity returns the identity transform.
func Identity() Pose {
	return Pose{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// FromRotationTranslation builds a pose from a row-major 3x3 rotation and a
// translation.
func FromRotationTranslation(r [9]float64, t r3.Vec) Pose {
	return Pose{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
		0, 0, 0, 1,
	}
}

// Translation returns a pose that only translates.
func Translation(t r3.Vec) Pose {
	p := Identity()
	p[3], p[7], p[11] = t.X, t.Y, t.Z
	return p
}

func (p Pose) dense() *mat.Dense {
	data := make([]float64, 16)
	copy(data, p[:])
	return mat.NewDense(4, 4, data)
}

func fromDense(m *mat.Dense) Pose {
	var p Pose
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			p[r*4+c] = m.At(r, c)
		}
	}
	return p
}

// Mul returns p * q.
func (p Pose) Mul(q Pose) Pose {
	var out mat.Dense
	out.Mul(p.dense(), q.dense())
	return fromDense(&out)
}

// Inverse returns the inverse of a rigid transform: [R^T | -R^T t].
func (p Pose) Inverse() Pose {
	rt := mat.NewDense(3, 3, nil)
	rt.CloneFrom(p.rotationDense().T())

	var tinv mat.VecDense
	tinv.MulVec(rt, mat.NewVecDense(3, []float64{p[3], p[7], p[11]}))
	tinv.ScaleVec(-1, &tinv)

	out := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*4+c] = rt.At(r, c)
		}
		out[r*4+3] = tinv.AtVec(r)
	}
	return out
}

func (p Pose) rotationDense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		p[0], p[1], p[2],
		p[4], p[5], p[6],
		p[8], p[9], p[10],
	})
}

// Rotation returns the row-major 3x3 rotation block.
func (p Pose) Rotation() [9]float64 {
	return [9]float64{p[0], p[1], p[2], p[4], p[5], p[6], p[8], p[9], p[10]}
}

// Translation returns the translation column.
func (p Pose) Translation() r3.Vec {
	return r3.Vec{X: p[3], Y: p[7], Z: p[11]}
}

// Apply transforms a point.
func (p Pose) Apply(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: p[0]*v.X + p[1]*v.Y + p[2]*v.Z + p[3],
		Y: p[4]*v.X + p[5]*v.Y + p[6]*v.Z + p[7],
		Z: p[8]*v.X + p[9]*v.Y + p[10]*v.Z + p[11],
	}
}

// CameraCenter returns the camera centre in world coordinates for a
// world-to-camera pose: -R^T t.
func (p Pose) CameraCenter() r3.Vec {
	return p.Inverse().Translation()
}

// Quaternion returns the unit quaternion of the rotation block.
func (p Pose) Quaternion() quat.Number {
	r := p.Rotation()
	m00, m01, m02 := r[0], r[1], r[2]
	m10, m11, m12 := r[3], r[4], r[5]
	m20, m21, m22 := r[6], r[7], r[8]

	var q quat.Number
	switch trace := m00 + m11 + m22; {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m21 - m12) * s, Jmag: (m02 - m20) * s, Kmag: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}

	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	}
	return q
}

// IsValidTransformMatrix checks that the rotation block is a proper
// rotation (det ≈ 1) and the last row is [0 0 0 1].
func IsValidTransformMatrix(p Pose) bool {
	if math.Abs(mat.Det(p.rotationDense())-1.0) > MatrixValidationTolerance {
		return false
	}
	if p[12] != 0 || p[13] != 0 || p[14] != 0 || math.Abs(p[15]-1.0) > 0.001 {
		return false
	}
	return true
}

// ToMatrix converts the pose to the 4x4 F32 matrix stored in snapshots.
func (p Pose) ToMatrix() codec.Matrix {
	vals := make([]float32, 16)
	for i, v := range p {
		vals[i] = float32(v)
	}
	return codec.NewFloat32Matrix(4, 4, vals)
}

// PoseFromMatrix converts a snapshot matrix back to a pose. An empty matrix
// yields the identity; any other shape than 4x4 F32/F64 is rejected.
func PoseFromMatrix(m codec.Matrix) (Pose, error) {
	if m.Empty() {
		return Identity(), nil
	}
	if m.Rows != 4 || m.Cols != 4 {
		return Pose{}, fmt.Errorf("pose matrix must be 4x4, got %dx%d", m.Rows, m.Cols)
	}
	if !(m.Type == codec.TypeF32 && m.ElemSize == 4) && !(m.Type == codec.TypeF64 && m.ElemSize == 8) {
		return Pose{}, fmt.Errorf("pose matrix has unsupported element type %d/%d", m.Type, m.ElemSize)
	}
	var p Pose
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			p[r*4+c] = m.Float64At(r, c)
		}
	}
	return p, nil
}

// VecToMatrix converts a vector to the 3x1 F32 matrix stored in snapshots.
func VecToMatrix(v r3.Vec) codec.Matrix {
	return codec.NewFloat32Matrix(3, 1, []float32{float32(v.X), float32(v.Y), float32(v.Z)})
}

// VecFromMatrix converts a 3x1 (or 1x3) F32/F64 matrix to a vector. An
// empty matrix yields the zero vector.
func VecFromMatrix(m codec.Matrix) (r3.Vec, error) {
	if m.Empty() {
		return r3.Vec{}, nil
	}
	if int(m.Rows)*int(m.Cols) != 3 {
		return r3.Vec{}, fmt.Errorf("vector matrix must hold 3 elements, got %dx%d", m.Rows, m.Cols)
	}
	if !(m.Type == codec.TypeF32 && m.ElemSize == 4) && !(m.Type == codec.TypeF64 && m.ElemSize == 8) {
		return r3.Vec{}, fmt.Errorf("vector matrix has unsupported element type %d/%d", m.Type, m.ElemSize)
	}
	at := func(i int) float64 {
		if m.Cols == 1 {
			return m.Float64At(i, 0)
		}
		return m.Float64At(0, i)
	}
	return r3.Vec{X: at(0), Y: at(1), Z: at(2)}, nil
}
