package slammap

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"

	"go.viam.com/slamtrack/bow"
	"go.viam.com/slamtrack/camera"
	"go.viam.com/slamtrack/features"
	"go.viam.com/slamtrack/spatial"
)

// covisibilityTh is the minimum number of shared landmarks for a covisibility
// edge.
const covisibilityTh = 15

// KeyFrame is a durable frame promoted to the map. Geometry slices are shared
// with the source frame and immutable afterwards; pose and observation slots
// are guarded by their own locks.
type KeyFrame struct {
	ID        int64
	FrameID   int64
	Timestamp float64

	Intr    *camera.Intrinsics
	ThDepth float64

	KPs    []features.KeyPoint
	Descs  []features.Descriptor
	Depths []float64
	URight []float64

	Lines     []features.LineSegment
	LineDescs []features.Descriptor
	Planes    []features.Plane

	BowVec  bow.Vector
	FeatVec bow.FeatureVector

	ScaleFactors   []float64
	LevelSigma2    []float64
	InvLevelSigma2 []float64

	grid *featureGrid

	poseMu sync.Mutex
	pose   *spatial.SE3

	mu              sync.Mutex
	mapPoints       []*MapPoint
	mapLines        []*MapLine
	mapPlanes       []*MapPlane
	connections     map[int64]int // keyframe id -> shared landmark count
	connectedKFs    map[int64]*KeyFrame
	orderedKFs      []*KeyFrame
	orderedWeights  []int
	parent          *KeyFrame
	children        map[int64]*KeyFrame
	firstConnection bool
	isOrigin        bool
	bad             bool
}

// NewKeyFrame promotes a frame. The frame must have a pose.
func NewKeyFrame(f *Frame) *KeyFrame {
	kf := &KeyFrame{
		ID:              nextKeyFrameID.Inc(),
		FrameID:         f.ID,
		Timestamp:       f.Timestamp,
		Intr:            f.Intr,
		ThDepth:         f.ThDepth,
		KPs:             f.KPs,
		Descs:           f.Descs,
		Depths:          f.Depths,
		URight:          f.URight,
		Lines:           f.Lines,
		LineDescs:       f.LineDescs,
		Planes:          f.Planes,
		BowVec:          f.BowVec,
		FeatVec:         f.FeatVec,
		ScaleFactors:    f.ScaleFactors,
		LevelSigma2:     f.LevelSigma2,
		InvLevelSigma2:  f.InvLevelSigma2,
		grid:            f.grid,
		pose:            f.Pose(),
		mapPoints:       make([]*MapPoint, len(f.KPs)),
		mapLines:        make([]*MapLine, len(f.Lines)),
		mapPlanes:       make([]*MapPlane, len(f.Planes)),
		connections:     map[int64]int{},
		connectedKFs:    map[int64]*KeyFrame{},
		children:        map[int64]*KeyFrame{},
		firstConnection: true,
	}
	copy(kf.mapPoints, f.MapPoints)
	copy(kf.mapLines, f.MapLines)
	copy(kf.mapPlanes, f.MapPlanes)
	return kf
}

// Pose returns the world-to-camera transform.
func (kf *KeyFrame) Pose() *spatial.SE3 {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.pose.Clone()
}

// SetPose updates the world-to-camera transform.
func (kf *KeyFrame) SetPose(p *spatial.SE3) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	kf.pose = p.Clone()
}

// CameraCenter returns the camera center in world coordinates.
func (kf *KeyFrame) CameraCenter() r3.Vector {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.pose.Inverse().Translation()
}

// IsBad reports whether mapping flagged the keyframe.
func (kf *KeyFrame) IsBad() bool {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.bad
}

// SetBadFlag marks the keyframe bad (mapping-side culling).
func (kf *KeyFrame) SetBadFlag() {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.bad = true
}

// GetMapPoint returns the landmark at keypoint slot i, or nil.
func (kf *KeyFrame) GetMapPoint(i int) *MapPoint {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.mapPoints[i]
}

// AddMapPoint binds a landmark to keypoint slot i.
func (kf *KeyFrame) AddMapPoint(mp *MapPoint, i int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.mapPoints[i] = mp
}

func (kf *KeyFrame) eraseMapPointAt(i int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.mapPoints[i] = nil
}

func (kf *KeyFrame) replaceMapPointAt(i int, mp *MapPoint) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.mapPoints[i] = mp
}

// MapPointMatches returns a snapshot of the keypoint-slot landmark bindings.
func (kf *KeyFrame) MapPointMatches() []*MapPoint {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	out := make([]*MapPoint, len(kf.mapPoints))
	copy(out, kf.mapPoints)
	return out
}

// GetMapLine returns the map line at line slot i, or nil.
func (kf *KeyFrame) GetMapLine(i int) *MapLine {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.mapLines[i]
}

// AddMapLine binds a map line to line slot i.
func (kf *KeyFrame) AddMapLine(ml *MapLine, i int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.mapLines[i] = ml
}

// MapLineMatches returns a snapshot of the line-slot bindings.
func (kf *KeyFrame) MapLineMatches() []*MapLine {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	out := make([]*MapLine, len(kf.mapLines))
	copy(out, kf.mapLines)
	return out
}

// AddMapPlane binds a map plane to plane slot i.
func (kf *KeyFrame) AddMapPlane(mpl *MapPlane, i int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.mapPlanes[i] = mpl
}

// GetMapPlane returns the map plane at plane slot i, or nil.
func (kf *KeyFrame) GetMapPlane(i int) *MapPlane {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.mapPlanes[i]
}

// TrackedMapPoints counts landmarks observed by at least minObs keyframes.
func (kf *KeyFrame) TrackedMapPoints(minObs int) int {
	pts := kf.MapPointMatches()
	n := 0
	for _, mp := range pts {
		if mp == nil || mp.IsBad() {
			continue
		}
		if minObs <= 0 || mp.Observations() >= minObs {
			n++
		}
	}
	return n
}

// GetFeaturesInArea mirrors Frame.GetFeaturesInArea.
func (kf *KeyFrame) GetFeaturesInArea(u, v, r float64, minOctave, maxOctave int) []int {
	return kf.grid.featuresInArea(kf.KPs, u, v, r, minOctave, maxOctave)
}

// IsInImage reports whether the pixel is inside the keyframe's image bounds.
func (kf *KeyFrame) IsInImage(u, v float64) bool {
	return kf.Intr.InImage(u, v)
}

// UpdateConnections recomputes covisibility edges from the current landmark
// bindings and, on the first update, attaches this keyframe to the spanning
// tree under its best covisible neighbor.
func (kf *KeyFrame) UpdateConnections() {
	counter := map[*KeyFrame]int{}
	for _, mp := range kf.MapPointMatches() {
		if mp == nil || mp.IsBad() {
			continue
		}
		for other := range mp.GetObservations() {
			if other.ID == kf.ID {
				continue
			}
			counter[other]++
		}
	}
	if len(counter) == 0 {
		return
	}

	var best *KeyFrame
	bestWeight := 0
	type edge struct {
		kf     *KeyFrame
		weight int
	}
	var edges []edge
	for other, w := range counter {
		if w > bestWeight {
			bestWeight = w
			best = other
		}
		if w >= covisibilityTh {
			edges = append(edges, edge{other, w})
			other.addConnection(kf, w)
		}
	}
	if len(edges) == 0 {
		edges = append(edges, edge{best, bestWeight})
		best.addConnection(kf, bestWeight)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].weight > edges[j].weight })

	kf.mu.Lock()
	kf.connections = map[int64]int{}
	kf.connectedKFs = map[int64]*KeyFrame{}
	kf.orderedKFs = make([]*KeyFrame, len(edges))
	kf.orderedWeights = make([]int, len(edges))
	for i, e := range edges {
		kf.connections[e.kf.ID] = e.weight
		kf.connectedKFs[e.kf.ID] = e.kf
		kf.orderedKFs[i] = e.kf
		kf.orderedWeights[i] = e.weight
	}
	setParent := kf.firstConnection && !kf.isOrigin && best != nil
	if setParent {
		kf.parent = best
		kf.firstConnection = false
	}
	kf.mu.Unlock()
	if setParent {
		best.addChild(kf)
	}
}

func (kf *KeyFrame) addConnection(other *KeyFrame, weight int) {
	kf.mu.Lock()
	kf.connections[other.ID] = weight
	kf.connectedKFs[other.ID] = other
	// keep ordered lists consistent
	type edge struct {
		kf     *KeyFrame
		weight int
	}
	edges := make([]edge, 0, len(kf.connections))
	for id, w := range kf.connections {
		edges = append(edges, edge{kf.connectedKFs[id], w})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].weight > edges[j].weight })
	kf.orderedKFs = make([]*KeyFrame, len(edges))
	kf.orderedWeights = make([]int, len(edges))
	for i, e := range edges {
		kf.orderedKFs[i] = e.kf
		kf.orderedWeights[i] = e.weight
	}
	kf.mu.Unlock()
}

// GetBestCovisibilityKeyFrames returns up to n neighbors ordered by shared
// landmark count.
func (kf *KeyFrame) GetBestCovisibilityKeyFrames(n int) []*KeyFrame {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if n > len(kf.orderedKFs) {
		n = len(kf.orderedKFs)
	}
	out := make([]*KeyFrame, n)
	copy(out, kf.orderedKFs[:n])
	return out
}

// GetConnectedKeyFrames returns all covisible neighbors.
func (kf *KeyFrame) GetConnectedKeyFrames() []*KeyFrame {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	out := make([]*KeyFrame, 0, len(kf.connectedKFs))
	for _, other := range kf.connectedKFs {
		out = append(out, other)
	}
	return out
}

// Weight returns the covisibility weight to other, 0 if unconnected.
func (kf *KeyFrame) Weight(other *KeyFrame) int {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.connections[other.ID]
}

// Parent returns the spanning-tree parent, or nil for the root.
func (kf *KeyFrame) Parent() *KeyFrame {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.parent
}

func (kf *KeyFrame) addChild(child *KeyFrame) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.children[child.ID] = child
}

// Children returns the spanning-tree children.
func (kf *KeyFrame) Children() []*KeyFrame {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	out := make([]*KeyFrame, 0, len(kf.children))
	for _, c := range kf.children {
		out = append(out, c)
	}
	return out
}
