package slammap

import (
	"sync"

	"github.com/golang/geo/r3"

	"go.viam.com/slamtrack/features"
)

// MapLine is a 3D line-segment landmark, stored by its two world endpoints.
// It mirrors the MapPoint lifecycle.
type MapLine struct {
	ID int64

	mu           sync.Mutex
	start, end   r3.Vector
	descriptor   features.Descriptor
	observations map[int64]observation
	bad          bool
	replaced     *MapLine

	// Tracking scratch, tracking-thread only.
	TrackInView   bool
	TrackProjSX   float64
	TrackProjSY   float64
	TrackProjEX   float64
	TrackProjEY   float64
	LastFrameSeen int64
}

// NewMapLine creates a line landmark from world endpoints.
func NewMapLine(start, end r3.Vector, desc features.Descriptor) *MapLine {
	return &MapLine{
		ID:           nextLineID.Inc(),
		start:        start,
		end:          end,
		descriptor:   desc,
		observations: map[int64]observation{},
	}
}

// Endpoints returns the world endpoints.
func (ml *MapLine) Endpoints() (r3.Vector, r3.Vector) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.start, ml.end
}

// SetEndpoints moves the landmark.
func (ml *MapLine) SetEndpoints(start, end r3.Vector) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.start, ml.end = start, end
}

// Direction returns the unit direction of the line.
func (ml *MapLine) Direction() r3.Vector {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	d := ml.end.Sub(ml.start)
	if n := d.Norm(); n > 0 {
		return d.Mul(1 / n)
	}
	return r3.Vector{}
}

// Descriptor returns the representative descriptor.
func (ml *MapLine) Descriptor() features.Descriptor {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.descriptor
}

// IsBad reports whether the landmark has been culled.
func (ml *MapLine) IsBad() bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.bad
}

// AddObservation records that kf sees this line at line slot idx.
func (ml *MapLine) AddObservation(kf *KeyFrame, idx int) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	if _, ok := ml.observations[kf.ID]; ok {
		return
	}
	ml.observations[kf.ID] = observation{kf: kf, idx: idx}
}

// Observations returns the number of observing keyframes.
func (ml *MapLine) Observations() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.observations)
}

// SetBadFlag culls the line landmark.
func (ml *MapLine) SetBadFlag() {
	ml.mu.Lock()
	ml.bad = true
	obs := ml.observations
	ml.observations = map[int64]observation{}
	ml.mu.Unlock()
	for _, o := range obs {
		o.kf.mu.Lock()
		if o.idx < len(o.kf.mapLines) {
			o.kf.mapLines[o.idx] = nil
		}
		o.kf.mu.Unlock()
	}
}

// Replace forwards observers to other and marks this line bad. Replacing an
// already-replaced line re-routes its earlier target to the new one.
func (ml *MapLine) Replace(other *MapLine) {
	if other == nil || other.ID == ml.ID {
		return
	}
	ml.mu.Lock()
	if ml.bad {
		prev := ml.replaced
		ml.replaced = other
		ml.mu.Unlock()
		if prev != nil && prev.ID != other.ID {
			prev.Replace(other)
		}
		return
	}
	obs := ml.observations
	ml.observations = map[int64]observation{}
	ml.bad = true
	ml.replaced = other
	ml.mu.Unlock()
	for _, o := range obs {
		o.kf.mu.Lock()
		if o.idx < len(o.kf.mapLines) {
			o.kf.mapLines[o.idx] = other
		}
		o.kf.mu.Unlock()
		other.AddObservation(o.kf, o.idx)
	}
}

// GetReplaced follows the replacement chain.
func (ml *MapLine) GetReplaced() *MapLine {
	ml.mu.Lock()
	rep := ml.replaced
	ml.mu.Unlock()
	for rep != nil {
		next := rep.GetReplaced()
		if next == nil {
			return rep
		}
		rep = next
	}
	return rep
}
