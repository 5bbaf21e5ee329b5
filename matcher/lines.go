package matcher

import (
	"math"

	"go.viam.com/slamtrack/features"
	"go.viam.com/slamtrack/slammap"
)

// lineSearchRadius is the projected-midpoint window for line association.
const lineSearchRadius = 40.0

// SearchLinesByProjection matches candidate local-map lines already flagged
// in-view against the current frame's detected segments by descriptor
// distance and projected-midpoint proximity. Matches are written into
// cur.MapLines; the match count is returned.
func (m *Matcher) SearchLinesByProjection(cur *slammap.Frame, lines []*slammap.MapLine) int {
	nmatches := 0
	for _, ml := range lines {
		if !ml.TrackInView || ml.IsBad() {
			continue
		}
		midX := (ml.TrackProjSX + ml.TrackProjEX) / 2
		midY := (ml.TrackProjSY + ml.TrackProjEY) / 2
		desc := ml.Descriptor()
		bestDist := THHigh
		bestIdx := -1
		for i, seg := range cur.Lines {
			if cur.MapLines[i] != nil {
				continue
			}
			mid := seg.Midpoint()
			if math.Hypot(mid.X-midX, mid.Y-midY) > lineSearchRadius {
				continue
			}
			dist := features.DescriptorDistance(desc, cur.LineDescs[i])
			if dist < bestDist {
				bestDist = dist
				bestIdx = i
			}
		}
		if bestIdx >= 0 {
			cur.MapLines[bestIdx] = ml
			nmatches++
		}
	}
	return nmatches
}
