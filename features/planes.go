package features

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"

	"go.viam.com/slamtrack/camera"
)

// Plane is a detected 3D plane in the camera frame, with unit normal n and
// offset d such that n·p + d = 0 for points p on the plane. The normal faces
// the camera.
type Plane struct {
	Normal  r3.Vector
	D       float64
	Center  r3.Vector
	Inliers int
}

// Coefficients returns the 4-vector (nx, ny, nz, d).
func (p Plane) Coefficients() [4]float64 {
	return [4]float64{p.Normal.X, p.Normal.Y, p.Normal.Z, p.D}
}

// Distance returns the signed distance from a point to the plane.
func (p Plane) Distance(pt r3.Vector) float64 {
	return p.Normal.Dot(pt) + p.D
}

// PlaneSegmenterConfig contains the parameters of depth-plane extraction.
type PlaneSegmenterConfig struct {
	MaxPlanes     int     `json:"max_planes"`
	Iterations    int     `json:"iterations"`
	DistThreshold float64 `json:"dist_threshold_m"`
	MinInliers    int     `json:"min_inliers"`
	Stride        int     `json:"stride_px"`
}

// DefaultPlaneSegmenterConfig returns the configuration used by the tracker.
func DefaultPlaneSegmenterConfig() PlaneSegmenterConfig {
	return PlaneSegmenterConfig{
		MaxPlanes:     4,
		Iterations:    120,
		DistThreshold: 0.03,
		MinInliers:    120,
		Stride:        8,
	}
}

// PlaneSegmenter extracts dominant planes from a depth map by iterated RANSAC
// over the back-projected cloud.
type PlaneSegmenter struct {
	cfg PlaneSegmenterConfig
}

// NewPlaneSegmenter returns a segmenter with the given configuration.
func NewPlaneSegmenter(cfg PlaneSegmenterConfig) *PlaneSegmenter {
	return &PlaneSegmenter{cfg: cfg}
}

// Segment extracts up to MaxPlanes planes from the depth map.
func (ps *PlaneSegmenter) Segment(dm *camera.DepthMap, intr *camera.Intrinsics) []Plane {
	stride := ps.cfg.Stride
	if stride < 1 {
		stride = 1
	}
	pts := make([]r3.Vector, 0, dm.Width()*dm.Height()/(stride*stride))
	for y := 0; y < dm.Height(); y += stride {
		for x := 0; x < dm.Width(); x += stride {
			z := dm.At(x, y)
			if z <= 0 {
				continue
			}
			pts = append(pts, intr.Unproject(float64(x), float64(y), z))
		}
	}
	rnd := rand.New(rand.NewSource(1))
	var planes []Plane
	for len(planes) < ps.cfg.MaxPlanes {
		plane, inlierMask, ok := ps.segmentOne(pts, rnd)
		if !ok {
			break
		}
		planes = append(planes, plane)
		remaining := pts[:0]
		for i, pt := range pts {
			if !inlierMask[i] {
				remaining = append(remaining, pt)
			}
		}
		pts = remaining
	}
	return planes
}

// segmentOne runs RANSAC for the single biggest plane in the cloud.
func (ps *PlaneSegmenter) segmentOne(pts []r3.Vector, rnd *rand.Rand) (Plane, []bool, bool) {
	n := len(pts)
	if n < ps.cfg.MinInliers {
		return Plane{}, nil, false
	}
	var bestNormal r3.Vector
	var bestD float64
	bestInliers := 0
	for it := 0; it < ps.cfg.Iterations; it++ {
		p1 := pts[rnd.Intn(n)]
		p2 := pts[rnd.Intn(n)]
		p3 := pts[rnd.Intn(n)]
		normal := p2.Sub(p1).Cross(p3.Sub(p1))
		if normal.Norm() < 1e-9 {
			continue
		}
		normal = normal.Normalize()
		d := -normal.Dot(p1)
		inliers := 0
		for _, pt := range pts {
			if math.Abs(normal.Dot(pt)+d) < ps.cfg.DistThreshold {
				inliers++
			}
		}
		if inliers > bestInliers {
			bestInliers = inliers
			bestNormal = normal
			bestD = d
		}
	}
	if bestInliers < ps.cfg.MinInliers {
		return Plane{}, nil, false
	}
	mask := make([]bool, n)
	var center r3.Vector
	for i, pt := range pts {
		if math.Abs(bestNormal.Dot(pt)+bestD) < ps.cfg.DistThreshold {
			mask[i] = true
			center = center.Add(pt)
		}
	}
	center = center.Mul(1.0 / float64(bestInliers))
	// orient the normal toward the camera origin
	if bestNormal.Dot(center) > 0 {
		bestNormal = bestNormal.Mul(-1)
		bestD = -bestD
	}
	return Plane{Normal: bestNormal, D: bestD, Center: center, Inliers: bestInliers}, mask, true
}
