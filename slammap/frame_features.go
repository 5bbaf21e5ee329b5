package slammap

import (
	"go.viam.com/slamtrack/camera"
	"go.viam.com/slamtrack/features"
)

// NewFrameFromFeatures assembles a frame from already-extracted features,
// deriving virtual right coordinates and the grid index. Used when features
// arrive precomputed (replays, simulation) instead of from the extractor.
func NewFrameFromFeatures(
	intr *camera.Intrinsics,
	thDepth float64,
	timestamp float64,
	kps []features.KeyPoint,
	descs []features.Descriptor,
	depths []float64,
	scaleFactors []float64,
) *Frame {
	n := len(kps)
	f := &Frame{
		ID:           nextFrameID.Inc(),
		Timestamp:    timestamp,
		Intr:         intr,
		ThDepth:      thDepth,
		KPs:          kps,
		RawKPs:       kps,
		Descs:        descs,
		Depths:       depths,
		URight:       make([]float64, n),
		MapPoints:    make([]*MapPoint, n),
		Outliers:     make([]bool, n),
		ScaleFactors: scaleFactors,
	}
	f.LevelSigma2 = make([]float64, len(scaleFactors))
	f.InvLevelSigma2 = make([]float64, len(scaleFactors))
	for i, s := range scaleFactors {
		f.LevelSigma2[i] = s * s
		f.InvLevelSigma2[i] = 1 / (s * s)
	}
	for i := range kps {
		if depths[i] > 0 {
			f.URight[i] = kps[i].X - intr.Bf/depths[i]
		} else {
			f.URight[i] = -1
		}
	}
	f.grid = newFeatureGrid(intr.Width, intr.Height, f.KPs)
	return f
}
