package slammap

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"

	"go.viam.com/slamtrack/features"
	"go.viam.com/slamtrack/spatial"
)

// Map is the shared world model. All structural changes go through it under
// its single coarse lock; readers take snapshots and operate on those.
type Map struct {
	mu        sync.RWMutex
	keyframes map[int64]*KeyFrame
	points    map[int64]*MapPoint
	lines     map[int64]*MapLine
	planes    map[int64]*MapPlane
	origin    *KeyFrame
}

// NewMap returns an empty map.
func NewMap() *Map {
	m := &Map{}
	m.reset()
	return m
}

func (m *Map) reset() {
	m.keyframes = map[int64]*KeyFrame{}
	m.points = map[int64]*MapPoint{}
	m.lines = map[int64]*MapLine{}
	m.planes = map[int64]*MapPlane{}
	m.origin = nil
}

// Clear drops everything.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

// AddKeyFrame inserts a keyframe; the first one becomes the map origin.
func (m *Map) AddKeyFrame(kf *KeyFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.keyframes) == 0 {
		m.origin = kf
		kf.mu.Lock()
		kf.isOrigin = true
		kf.mu.Unlock()
	}
	m.keyframes[kf.ID] = kf
}

// AddMapPoint inserts a point landmark.
func (m *Map) AddMapPoint(mp *MapPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[mp.ID] = mp
}

// EraseMapPoint removes a point landmark from the registry.
func (m *Map) EraseMapPoint(mp *MapPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, mp.ID)
}

// AddMapLine inserts a line landmark.
func (m *Map) AddMapLine(ml *MapLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[ml.ID] = ml
}

// EraseMapLine removes a line landmark from the registry.
func (m *Map) EraseMapLine(ml *MapLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lines, ml.ID)
}

// AddMapPlane inserts a plane landmark.
func (m *Map) AddMapPlane(mpl *MapPlane) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planes[mpl.ID] = mpl
}

// KeyFrames returns a snapshot of all keyframes.
func (m *Map) KeyFrames() []*KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		out = append(out, kf)
	}
	return out
}

// MapPoints returns a snapshot of all point landmarks.
func (m *Map) MapPoints() []*MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MapPoint, 0, len(m.points))
	for _, mp := range m.points {
		out = append(out, mp)
	}
	return out
}

// MapLines returns a snapshot of all line landmarks.
func (m *Map) MapLines() []*MapLine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MapLine, 0, len(m.lines))
	for _, ml := range m.lines {
		out = append(out, ml)
	}
	return out
}

// MapPlanes returns a snapshot of all plane landmarks.
func (m *Map) MapPlanes() []*MapPlane {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MapPlane, 0, len(m.planes))
	for _, mpl := range m.planes {
		out = append(out, mpl)
	}
	return out
}

// KeyFramesInMap returns the keyframe count.
func (m *Map) KeyFramesInMap() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyframes)
}

// MapPointsInMap returns the point landmark count.
func (m *Map) MapPointsInMap() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

// Origin returns the first keyframe inserted, or nil.
func (m *Map) Origin() *KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.origin
}

// RecognizePlane matches an observed camera-frame plane against the map given
// the observing pose. Association requires the world normals within verTh
// (radians) and offset difference within disTh (meters). Returns nil when no
// plane matches.
func (m *Map) RecognizePlane(obs features.Plane, camToWorld *spatial.SE3, verTh, disTh float64) *MapPlane {
	nw, dw := TransformPlane(obs.Normal, obs.D, camToWorld)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *MapPlane
	bestAngle := verTh
	for _, mpl := range m.planes {
		if mpl.IsBad() {
			continue
		}
		n, d := mpl.Coefficients()
		cos := n.Dot(nw)
		offset := dw
		if cos < 0 {
			cos = -cos
			offset = -dw
		}
		angle := math.Acos(math.Min(1, cos))
		if angle > bestAngle || math.Abs(offset-d) > disTh {
			continue
		}
		bestAngle = angle
		best = mpl
	}
	return best
}

// TransformPlane maps plane coefficients (n, d) with n·p + d = 0 through the
// given transform of its points.
func TransformPlane(n r3.Vector, d float64, t *spatial.SE3) (r3.Vector, float64) {
	nOut := t.RotateOnly(n)
	dOut := d - nOut.Dot(t.Translation())
	return nOut, dOut
}
