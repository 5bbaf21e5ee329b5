package tracking

import (
	"gonum.org/v1/gonum/mat"

	"github.com/golang/geo/r3"

	"go.viam.com/slamtrack/optimize"
	"go.viam.com/slamtrack/slammap"
	"go.viam.com/slamtrack/spatial"
)

// manhattanState tracks the dominant orthogonal frame of the scene. Once
// three near-orthogonal directions (plane normals, supplemented by matched
// map line directions) have been seen, the frame is fixed in the world and
// subsequent detections turn into soft rotation priors.
type manhattanState struct {
	verTh float64 // max |cos| between axes (settings Manhattan.verTh)
	disTh float64 // plane association offset threshold, meters

	worldFromManhattan *mat.Dense
}

func (m *manhattanState) reset() {
	m.worldFromManhattan = nil
}

// Found reports whether the Manhattan frame has been fixed.
func (m *manhattanState) Found() bool { return m.worldFromManhattan != nil }

// frameNormals gathers candidate axis directions in the camera frame: plane
// normals first, matched map line directions as a supplement.
func frameNormals(f *slammap.Frame) []r3.Vector {
	normals := make([]r3.Vector, 0, len(f.Planes)+len(f.MapLines))
	for _, p := range f.Planes {
		normals = append(normals, p.Normal)
	}
	if pose := f.Pose(); pose != nil {
		for _, ml := range f.MapLines {
			if ml == nil || ml.IsBad() {
				continue
			}
			dir := ml.Direction()
			if dir.Norm() > 0 {
				normals = append(normals, pose.RotateOnly(dir))
			}
		}
	}
	return normals
}

// detect finds an orthogonal triplet among the frame's directions and returns
// the camera-from-manhattan rotation.
func (m *manhattanState) detect(f *slammap.Frame) (*mat.Dense, bool) {
	axes, ok := spatial.FindOrthogonalTriplet(frameNormals(f), m.verTh)
	if !ok {
		return nil, false
	}
	r, err := spatial.OrthogonalFrame(axes)
	if err != nil {
		return nil, false
	}
	return r, true
}

// observe fixes the Manhattan frame in world coordinates on its first
// detection. The frame must have a pose.
func (m *manhattanState) observe(f *slammap.Frame) {
	if m.worldFromManhattan != nil || !f.HasPose() {
		return
	}
	camFromManhattan, ok := m.detect(f)
	if !ok {
		return
	}
	worldFromCam := f.Pose().Inverse().Rotation()
	out := mat.NewDense(3, 3, nil)
	out.Mul(worldFromCam, camFromManhattan)
	m.worldFromManhattan = out
}

// prior produces a rotation prior for the optimizer when the fixed Manhattan
// frame is re-detected in the current frame. The detected axes are realigned
// to the predicted ones to resolve permutation and sign ambiguity.
func (m *manhattanState) prior(f *slammap.Frame) *optimize.RotationPrior {
	if m.worldFromManhattan == nil || !f.HasPose() {
		return nil
	}
	camFromManhattan, ok := m.detect(f)
	if !ok {
		return nil
	}
	// predicted camera-from-manhattan under the current pose estimate
	predicted := mat.NewDense(3, 3, nil)
	predicted.Mul(f.Pose().Rotation(), m.worldFromManhattan)

	aligned := mat.NewDense(3, 3, nil)
	for c := 0; c < 3; c++ {
		pred := r3.Vector{X: predicted.At(0, c), Y: predicted.At(1, c), Z: predicted.At(2, c)}
		axis := spatial.NearestAxis(camFromManhattan, pred)
		aligned.Set(0, c, axis.X)
		aligned.Set(1, c, axis.Y)
		aligned.Set(2, c, axis.Z)
	}
	alignedR, err := spatial.Orthonormalize(aligned)
	if err != nil {
		return nil
	}
	// predicted Rcw from the Manhattan structure
	prior := mat.NewDense(3, 3, nil)
	prior.Mul(alignedR, m.worldFromManhattan.T())
	return &optimize.RotationPrior{Rotation: prior, Weight: manhattanPriorWeight}
}

// ManhattanFound reports whether the dominant orthogonal frame was detected.
func (t *Tracker) ManhattanFound() bool { return t.manhattan.Found() }

// ManhattanRotation returns the world-from-manhattan rotation, or nil.
func (t *Tracker) ManhattanRotation() *mat.Dense {
	if t.manhattan.worldFromManhattan == nil {
		return nil
	}
	out := mat.NewDense(3, 3, nil)
	out.Copy(t.manhattan.worldFromManhattan)
	return out
}
