package slammap

import (
	"sync"

	"github.com/golang/geo/r3"
)

// MapPlane is a 3D plane landmark in the world frame: unit normal n and
// offset d with n·p + d = 0.
type MapPlane struct {
	ID int64

	mu           sync.Mutex
	normal       r3.Vector
	d            float64
	inliers      int
	observations map[int64]observation
	bad          bool
}

// NewMapPlane creates a plane landmark from world coefficients.
func NewMapPlane(normal r3.Vector, d float64, inliers int) *MapPlane {
	return &MapPlane{
		ID:           nextPlaneID.Inc(),
		normal:       normal.Normalize(),
		d:            d,
		inliers:      inliers,
		observations: map[int64]observation{},
	}
}

// Coefficients returns the world plane (n, d).
func (mpl *MapPlane) Coefficients() (r3.Vector, float64) {
	mpl.mu.Lock()
	defer mpl.mu.Unlock()
	return mpl.normal, mpl.d
}

// UpdateCoefficients refines the plane from a new observation, keeping the
// larger inlier support.
func (mpl *MapPlane) UpdateCoefficients(normal r3.Vector, d float64, inliers int) {
	mpl.mu.Lock()
	defer mpl.mu.Unlock()
	if inliers > mpl.inliers {
		mpl.normal = normal.Normalize()
		mpl.d = d
		mpl.inliers = inliers
	}
}

// AddObservation records that kf sees this plane at plane slot idx.
func (mpl *MapPlane) AddObservation(kf *KeyFrame, idx int) {
	mpl.mu.Lock()
	defer mpl.mu.Unlock()
	if _, ok := mpl.observations[kf.ID]; ok {
		return
	}
	mpl.observations[kf.ID] = observation{kf: kf, idx: idx}
}

// Observations returns the number of observing keyframes.
func (mpl *MapPlane) Observations() int {
	mpl.mu.Lock()
	defer mpl.mu.Unlock()
	return len(mpl.observations)
}

// IsBad reports whether the plane has been culled.
func (mpl *MapPlane) IsBad() bool {
	mpl.mu.Lock()
	defer mpl.mu.Unlock()
	return mpl.bad
}

// SetBadFlag culls the plane.
func (mpl *MapPlane) SetBadFlag() {
	mpl.mu.Lock()
	defer mpl.mu.Unlock()
	mpl.bad = true
	mpl.observations = map[int64]observation{}
}
