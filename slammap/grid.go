package slammap

import (
	"math"

	"go.viam.com/slamtrack/features"
)

const (
	gridCols = 64
	gridRows = 48
)

// featureGrid is a fixed tiling of the image mapping cells to keypoint
// indices, for constant-time radius queries.
type featureGrid struct {
	width, height float64
	invCellW      float64
	invCellH      float64
	cells         [gridCols * gridRows][]int
}

func newFeatureGrid(width, height int, kps []features.KeyPoint) *featureGrid {
	g := &featureGrid{
		width:    float64(width),
		height:   float64(height),
		invCellW: float64(gridCols) / float64(width),
		invCellH: float64(gridRows) / float64(height),
	}
	for i, kp := range kps {
		if cx, cy, ok := g.cellOf(kp.X, kp.Y); ok {
			g.cells[cy*gridCols+cx] = append(g.cells[cy*gridCols+cx], i)
		}
	}
	return g
}

func (g *featureGrid) cellOf(u, v float64) (int, int, bool) {
	if u < 0 || v < 0 || u >= g.width || v >= g.height {
		return 0, 0, false
	}
	cx := int(u * g.invCellW)
	cy := int(v * g.invCellH)
	if cx >= gridCols {
		cx = gridCols - 1
	}
	if cy >= gridRows {
		cy = gridRows - 1
	}
	return cx, cy, true
}

// featuresInArea returns indices of keypoints within radius r of (u, v) whose
// octave lies in [minOctave, maxOctave]; both bounds are inclusive and a
// negative bound disables that side of the check.
func (g *featureGrid) featuresInArea(kps []features.KeyPoint, u, v, r float64, minOctave, maxOctave int) []int {
	if r <= 0 {
		return nil
	}
	minCX := int(math.Max(0, math.Floor((u-r)*g.invCellW)))
	maxCX := int(math.Min(gridCols-1, math.Floor((u+r)*g.invCellW)))
	minCY := int(math.Max(0, math.Floor((v-r)*g.invCellH)))
	maxCY := int(math.Min(gridRows-1, math.Floor((v+r)*g.invCellH)))
	if minCX > gridCols-1 || maxCX < 0 || minCY > gridRows-1 || maxCY < 0 {
		return nil
	}
	var out []int
	for cy := minCY; cy <= maxCY; cy++ {
		for cx := minCX; cx <= maxCX; cx++ {
			for _, idx := range g.cells[cy*gridCols+cx] {
				kp := kps[idx]
				if minOctave >= 0 && kp.Octave < minOctave {
					continue
				}
				if maxOctave >= 0 && kp.Octave > maxOctave {
					continue
				}
				if math.Abs(kp.X-u) <= r && math.Abs(kp.Y-v) <= r {
					out = append(out, idx)
				}
			}
		}
	}
	return out
}
