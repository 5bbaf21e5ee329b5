package slammap

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"

	"go.viam.com/slamtrack/features"
)

// observation records where a keyframe sees a landmark.
type observation struct {
	kf  *KeyFrame
	idx int
}

// MapPoint is a 3D landmark in the world frame.
type MapPoint struct {
	ID int64

	mu           sync.Mutex
	pos          r3.Vector
	normal       r3.Vector
	minDistance  float64
	maxDistance  float64
	descriptor   features.Descriptor
	observations map[int64]observation
	refKF        *KeyFrame
	bad          bool
	replaced     *MapPoint
	visible      int
	found        int

	// Tracking scratch, written only by the tracking thread during
	// visibility tests; never read across threads.
	TrackInView     bool
	TrackProjX      float64
	TrackProjY      float64
	TrackProjXR     float64
	TrackScaleLevel int
	TrackViewCos    float64
	LastFrameSeen   int64
	TrackRefFrame   int64
}

// NewMapPoint creates a landmark at the given world position observed first
// from refKF (which may be nil for temporal points).
func NewMapPoint(pos r3.Vector, refKF *KeyFrame, desc features.Descriptor) *MapPoint {
	return &MapPoint{
		ID:           nextPointID.Inc(),
		pos:          pos,
		refKF:        refKF,
		descriptor:   desc,
		observations: map[int64]observation{},
		visible:      1,
		found:        1,
	}
}

// WorldPos returns the landmark position.
func (mp *MapPoint) WorldPos() r3.Vector {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.pos
}

// SetWorldPos moves the landmark.
func (mp *MapPoint) SetWorldPos(p r3.Vector) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.pos = p
}

// Normal returns the mean viewing direction.
func (mp *MapPoint) Normal() r3.Vector {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.normal
}

// Descriptor returns the representative descriptor.
func (mp *MapPoint) Descriptor() features.Descriptor {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.descriptor
}

// IsBad reports whether the landmark has been culled.
func (mp *MapPoint) IsBad() bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.bad
}

// AddObservation records that kf sees this landmark at keypoint idx.
func (mp *MapPoint) AddObservation(kf *KeyFrame, idx int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if _, ok := mp.observations[kf.ID]; ok {
		return
	}
	mp.observations[kf.ID] = observation{kf: kf, idx: idx}
}

// EraseObservation removes kf's observation; the landmark turns bad when
// fewer than two observers remain.
func (mp *MapPoint) EraseObservation(kf *KeyFrame) {
	mp.mu.Lock()
	obs, ok := mp.observations[kf.ID]
	if ok {
		delete(mp.observations, kf.ID)
		if mp.refKF == kf {
			for _, o := range mp.observations {
				mp.refKF = o.kf
				break
			}
		}
	}
	tooFew := len(mp.observations) < 2
	mp.mu.Unlock()
	if !ok {
		return
	}
	kf.eraseMapPointAt(obs.idx)
	if tooFew {
		mp.SetBadFlag()
	}
}

// Observations returns the number of observing keyframes.
func (mp *MapPoint) Observations() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.observations)
}

// GetObservations returns a snapshot of (keyframe, index) observations.
func (mp *MapPoint) GetObservations() map[*KeyFrame]int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	out := make(map[*KeyFrame]int, len(mp.observations))
	for _, o := range mp.observations {
		out[o.kf] = o.idx
	}
	return out
}

// IsInKeyFrame reports whether kf observes this landmark.
func (mp *MapPoint) IsInKeyFrame(kf *KeyFrame) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	_, ok := mp.observations[kf.ID]
	return ok
}

// IndexInKeyFrame returns kf's keypoint slot for this landmark, or -1.
func (mp *MapPoint) IndexInKeyFrame(kf *KeyFrame) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if o, ok := mp.observations[kf.ID]; ok {
		return o.idx
	}
	return -1
}

// SetBadFlag culls the landmark and detaches all observers.
func (mp *MapPoint) SetBadFlag() {
	mp.mu.Lock()
	if mp.bad {
		mp.mu.Unlock()
		return
	}
	mp.bad = true
	obs := mp.observations
	mp.observations = map[int64]observation{}
	mp.mu.Unlock()
	for _, o := range obs {
		o.kf.eraseMapPointAt(o.idx)
	}
}

// Replace forwards every observer of this landmark to other and marks this
// one bad. Replacing a landmark with itself is a no-op. Replacing an
// already-replaced landmark re-routes its earlier target (and so its
// forwarded observers) to the new one.
func (mp *MapPoint) Replace(other *MapPoint) {
	if other == nil || other.ID == mp.ID {
		return
	}
	mp.mu.Lock()
	if mp.bad {
		prev := mp.replaced
		mp.replaced = other
		mp.mu.Unlock()
		if prev != nil && prev.ID != other.ID {
			prev.Replace(other)
		}
		return
	}
	obs := mp.observations
	mp.observations = map[int64]observation{}
	mp.bad = true
	mp.replaced = other
	visible, found := mp.visible, mp.found
	mp.mu.Unlock()

	for _, o := range obs {
		if !other.IsInKeyFrame(o.kf) {
			o.kf.replaceMapPointAt(o.idx, other)
			other.AddObservation(o.kf, o.idx)
		} else {
			o.kf.eraseMapPointAt(o.idx)
		}
	}
	other.mu.Lock()
	other.visible += visible
	other.found += found
	other.mu.Unlock()
	other.ComputeDistinctiveDescriptors()
}

// GetReplaced follows the replacement chain, returning the landmark that
// superseded this one, or nil.
func (mp *MapPoint) GetReplaced() *MapPoint {
	mp.mu.Lock()
	rep := mp.replaced
	mp.mu.Unlock()
	for rep != nil {
		next := rep.GetReplaced()
		if next == nil {
			return rep
		}
		rep = next
	}
	return rep
}

// IncreaseVisible counts a frame that had the landmark in view.
func (mp *MapPoint) IncreaseVisible(n int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.visible += n
}

// IncreaseFound counts a frame that actually matched the landmark.
func (mp *MapPoint) IncreaseFound(n int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.found += n
}

// FoundRatio is found/visible.
func (mp *MapPoint) FoundRatio() float64 {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.visible == 0 {
		return 0
	}
	return float64(mp.found) / float64(mp.visible)
}

// ComputeDistinctiveDescriptors picks the observer descriptor with the least
// median Hamming distance to the others.
func (mp *MapPoint) ComputeDistinctiveDescriptors() {
	mp.mu.Lock()
	if mp.bad || len(mp.observations) == 0 {
		mp.mu.Unlock()
		return
	}
	descs := make([]features.Descriptor, 0, len(mp.observations))
	for _, o := range mp.observations {
		descs = append(descs, o.kf.Descs[o.idx])
	}
	mp.mu.Unlock()

	best := descs[0]
	bestMedian := math.Inf(1)
	for i, d := range descs {
		dists := make([]float64, 0, len(descs)-1)
		for j, o := range descs {
			if i == j {
				continue
			}
			dists = append(dists, float64(features.DescriptorDistance(d, o)))
		}
		if len(dists) == 0 {
			break
		}
		median, err := stats.Median(dists)
		if err != nil {
			continue
		}
		if median < bestMedian {
			bestMedian = median
			best = d
		}
	}
	mp.mu.Lock()
	mp.descriptor = best
	mp.mu.Unlock()
}

// UpdateNormalAndDepth refreshes the mean viewing direction and the
// scale-invariance distance range from the current observers.
func (mp *MapPoint) UpdateNormalAndDepth() {
	mp.mu.Lock()
	if mp.bad || len(mp.observations) == 0 || mp.refKF == nil {
		mp.mu.Unlock()
		return
	}
	obs := make([]observation, 0, len(mp.observations))
	for _, o := range mp.observations {
		obs = append(obs, o)
	}
	refKF := mp.refKF
	pos := mp.pos
	mp.mu.Unlock()

	var normal r3.Vector
	for _, o := range obs {
		dir := pos.Sub(o.kf.CameraCenter())
		if n := dir.Norm(); n > 0 {
			normal = normal.Add(dir.Mul(1 / n))
		}
	}
	normal = normal.Mul(1 / float64(len(obs)))

	refIdx := -1
	for _, o := range obs {
		if o.kf == refKF {
			refIdx = o.idx
			break
		}
	}
	if refIdx < 0 {
		refIdx = obs[0].idx
		refKF = obs[0].kf
	}
	dist := pos.Sub(refKF.CameraCenter()).Norm()
	level := refKF.KPs[refIdx].Octave
	levelScale := refKF.ScaleFactors[level]
	nLevels := len(refKF.ScaleFactors)

	mp.mu.Lock()
	mp.normal = normal
	mp.maxDistance = dist * levelScale
	mp.minDistance = mp.maxDistance / refKF.ScaleFactors[nLevels-1]
	mp.mu.Unlock()
}

// DistanceInvariance returns the [0.8*dmin, 1.2*dmax] recognition range.
func (mp *MapPoint) DistanceInvariance() (float64, float64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return 0.8 * mp.minDistance, 1.2 * mp.maxDistance
}

// PredictScale predicts the pyramid octave a landmark at distance dist would
// be detected at.
func (mp *MapPoint) PredictScale(dist float64, nLevels int, scaleFactors []float64) int {
	mp.mu.Lock()
	ratio := mp.maxDistance / dist
	mp.mu.Unlock()
	if ratio <= 0 || math.IsInf(ratio, 0) || math.IsNaN(ratio) || len(scaleFactors) < 2 {
		return 0
	}
	logScale := math.Log(scaleFactors[1])
	level := int(math.Ceil(math.Log(ratio) / logScale))
	if level < 0 {
		level = 0
	}
	if level >= nLevels {
		level = nLevels - 1
	}
	return level
}

// SetNormalAndDepthForInit seeds the viewing geometry for a landmark created
// from a single depth reading, before any connections exist.
func (mp *MapPoint) SetNormalAndDepthForInit(camCenter r3.Vector, octave int, scaleFactors []float64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	dir := mp.pos.Sub(camCenter)
	dist := dir.Norm()
	if dist > 0 {
		mp.normal = dir.Mul(1 / dist)
	}
	mp.maxDistance = dist * scaleFactors[octave]
	mp.minDistance = mp.maxDistance / scaleFactors[len(scaleFactors)-1]
}
