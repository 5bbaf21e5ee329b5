package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var errSVDFailed = errors.New("svd factorization failed")

// FindOrthogonalTriplet searches the given unit normals for three directions
// that are pairwise orthogonal to within maxCos (|cos| of the angle between
// any two must not exceed it). Returns the triplet or false.
func FindOrthogonalTriplet(normals []r3.Vector, maxCos float64) ([3]r3.Vector, bool) {
	n := len(normals)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if math.Abs(normals[i].Dot(normals[j])) > maxCos {
				continue
			}
			for k := j + 1; k < n; k++ {
				if math.Abs(normals[i].Dot(normals[k])) > maxCos ||
					math.Abs(normals[j].Dot(normals[k])) > maxCos {
					continue
				}
				return [3]r3.Vector{normals[i], normals[j], normals[k]}, true
			}
		}
	}
	return [3]r3.Vector{}, false
}

// OrthogonalFrame builds a proper rotation whose columns best align with the
// three near-orthogonal directions, via SVD projection onto SO(3).
func OrthogonalFrame(axes [3]r3.Vector) (*mat.Dense, error) {
	m := mat.NewDense(3, 3, nil)
	for c, a := range axes {
		a = a.Normalize()
		m.Set(0, c, a.X)
		m.Set(1, c, a.Y)
		m.Set(2, c, a.Z)
	}
	return Orthonormalize(m)
}

// NearestAxis returns the column of r closest in direction to v, sign-flipped
// so the returned axis has a positive dot product with v.
func NearestAxis(r *mat.Dense, v r3.Vector) r3.Vector {
	best := r3.Vector{}
	bestDot := -1.0
	for c := 0; c < 3; c++ {
		axis := r3.Vector{X: r.At(0, c), Y: r.At(1, c), Z: r.At(2, c)}
		d := axis.Dot(v)
		if d < 0 {
			axis = axis.Mul(-1)
			d = -d
		}
		if d > bestDot {
			bestDot = d
			best = axis
		}
	}
	return best
}
