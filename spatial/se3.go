// Package spatial defines the rigid transform math used by the tracking core.
package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// SE3 is a proper rigid transform: a rotation followed by a translation.
// The zero value is not usable; construct with NewSE3 or NewSE3FromParts.
type SE3 struct {
	r *mat.Dense // 3x3 rotation
	t r3.Vector
}

// NewSE3 returns the identity transform.
func NewSE3() *SE3 {
	return &SE3{r: identity3(), t: r3.Vector{}}
}

// NewSE3FromParts returns a transform with the given rotation and translation.
// The rotation matrix is copied.
func NewSE3FromParts(r *mat.Dense, t r3.Vector) *SE3 {
	out := mat.NewDense(3, 3, nil)
	out.Copy(r)
	return &SE3{r: out, t: t}
}

func identity3() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	m.Set(0, 0, 1)
	m.Set(1, 1, 1)
	m.Set(2, 2, 1)
	return m
}

// Rotation returns a copy of the 3x3 rotation part.
func (p *SE3) Rotation() *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Copy(p.r)
	return out
}

// Translation returns the translation part.
func (p *SE3) Translation() r3.Vector {
	return p.t
}

// Clone returns a deep copy.
func (p *SE3) Clone() *SE3 {
	return NewSE3FromParts(p.r, p.t)
}

// Compose returns p * o, the transform applying o first, then p.
func (p *SE3) Compose(o *SE3) *SE3 {
	r := mat.NewDense(3, 3, nil)
	r.Mul(p.r, o.r)
	t := RotateVec(p.r, o.t).Add(p.t)
	return &SE3{r: r, t: t}
}

// Inverse returns the transform q such that p * q is the identity.
func (p *SE3) Inverse() *SE3 {
	rt := mat.NewDense(3, 3, nil)
	rt.CloneFrom(p.r.T())
	t := RotateVec(rt, p.t).Mul(-1)
	return &SE3{r: rt, t: t}
}

// Apply transforms a point: R*v + t.
func (p *SE3) Apply(v r3.Vector) r3.Vector {
	return RotateVec(p.r, v).Add(p.t)
}

// RotateOnly transforms a direction: R*v.
func (p *SE3) RotateOnly(v r3.Vector) r3.Vector {
	return RotateVec(p.r, v)
}

// RotateVec multiplies a 3x3 matrix by a vector.
func RotateVec(r *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r.At(0, 0)*v.X + r.At(0, 1)*v.Y + r.At(0, 2)*v.Z,
		Y: r.At(1, 0)*v.X + r.At(1, 1)*v.Y + r.At(1, 2)*v.Z,
		Z: r.At(2, 0)*v.X + r.At(2, 1)*v.Y + r.At(2, 2)*v.Z,
	}
}

// Quaternion returns the unit quaternion of the rotation part.
func (p *SE3) Quaternion() quat.Number {
	return RotationToQuaternion(p.r)
}

// RotationToQuaternion converts an orthonormal 3x3 matrix to a unit quaternion.
func RotationToQuaternion(r *mat.Dense) quat.Number {
	tr := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1.0) * 2
		q.Real = 0.25 * s
		q.Imag = (r.At(2, 1) - r.At(1, 2)) / s
		q.Jmag = (r.At(0, 2) - r.At(2, 0)) / s
		q.Kmag = (r.At(1, 0) - r.At(0, 1)) / s
	case r.At(0, 0) > r.At(1, 1) && r.At(0, 0) > r.At(2, 2):
		s := math.Sqrt(1.0+r.At(0, 0)-r.At(1, 1)-r.At(2, 2)) * 2
		q.Real = (r.At(2, 1) - r.At(1, 2)) / s
		q.Imag = 0.25 * s
		q.Jmag = (r.At(0, 1) + r.At(1, 0)) / s
		q.Kmag = (r.At(0, 2) + r.At(2, 0)) / s
	case r.At(1, 1) > r.At(2, 2):
		s := math.Sqrt(1.0+r.At(1, 1)-r.At(0, 0)-r.At(2, 2)) * 2
		q.Real = (r.At(0, 2) - r.At(2, 0)) / s
		q.Imag = (r.At(0, 1) + r.At(1, 0)) / s
		q.Jmag = 0.25 * s
		q.Kmag = (r.At(1, 2) + r.At(2, 1)) / s
	default:
		s := math.Sqrt(1.0+r.At(2, 2)-r.At(0, 0)-r.At(1, 1)) * 2
		q.Real = (r.At(1, 0) - r.At(0, 1)) / s
		q.Imag = (r.At(0, 2) + r.At(2, 0)) / s
		q.Jmag = (r.At(1, 2) + r.At(2, 1)) / s
		q.Kmag = 0.25 * s
	}
	return q
}

// RotationFromQuaternion converts a unit quaternion to a 3x3 rotation matrix.
func RotationFromQuaternion(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// ExpSO3 is the exponential map from an axis-angle vector to a rotation matrix
// (Rodrigues formula).
func ExpSO3(w r3.Vector) *mat.Dense {
	theta := w.Norm()
	k := skew(w)
	k2 := mat.NewDense(3, 3, nil)
	k2.Mul(k, k)
	r := identity3()
	if theta < 1e-12 {
		r.Add(r, k)
		return r
	}
	a := math.Sin(theta) / theta
	b := (1 - math.Cos(theta)) / (theta * theta)
	ka := mat.NewDense(3, 3, nil)
	ka.Scale(a, k)
	kb := mat.NewDense(3, 3, nil)
	kb.Scale(b, k2)
	r.Add(r, ka)
	r.Add(r, kb)
	return r
}

// LogSO3 is the logarithm map from a rotation matrix to an axis-angle vector.
func LogSO3(r *mat.Dense) r3.Vector {
	tr := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cosTheta := math.Max(-1, math.Min(1, (tr-1)/2))
	theta := math.Acos(cosTheta)
	v := r3.Vector{
		X: r.At(2, 1) - r.At(1, 2),
		Y: r.At(0, 2) - r.At(2, 0),
		Z: r.At(1, 0) - r.At(0, 1),
	}
	if theta < 1e-9 {
		return v.Mul(0.5)
	}
	return v.Mul(theta / (2 * math.Sin(theta)))
}

func skew(w r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -w.Z, w.Y,
		w.Z, 0, -w.X,
		-w.Y, w.X, 0,
	})
}

// Orthonormalize projects a near-rotation matrix onto SO(3) via SVD,
// forcing det = +1.
func Orthonormalize(r *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(r, mat.SVDFull) {
		return nil, errSVDFailed
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	out := mat.NewDense(3, 3, nil)
	out.Mul(&u, v.T())
	if mat.Det(out) < 0 {
		// flip the singular direction with the smallest singular value
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		out.Mul(&u, v.T())
	}
	return out, nil
}
