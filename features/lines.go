package features

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
)

// LineSegment is a detected 2D line segment in image coordinates.
type LineSegment struct {
	Start  r2.Point
	End    r2.Point
	Angle  float64 // direction in radians [-pi/2, pi/2)
	Length float64
}

// Midpoint returns the segment midpoint.
func (ls LineSegment) Midpoint() r2.Point {
	return r2.Point{X: (ls.Start.X + ls.End.X) / 2, Y: (ls.Start.Y + ls.End.Y) / 2}
}

// Equation returns the normalized 2D line coefficients (a, b, c) with
// a*u + b*v + c = 0 and a^2 + b^2 = 1.
func (ls LineSegment) Equation() (float64, float64, float64) {
	dx := ls.End.X - ls.Start.X
	dy := ls.End.Y - ls.Start.Y
	n := math.Hypot(dx, dy)
	if n == 0 {
		return 0, 0, 0
	}
	a := -dy / n
	b := dx / n
	c := -(a*ls.Start.X + b*ls.Start.Y)
	return a, b, c
}

// LineDetectorConfig contains the parameters of the gradient line detector.
type LineDetectorConfig struct {
	MagThreshold   float64 `json:"mag_threshold"`
	AngleTolerance float64 `json:"angle_tolerance_rad"`
	MinRegionSize  int     `json:"min_region_size"`
	MinLength      float64 `json:"min_length_px"`
}

// DefaultLineDetectorConfig returns the configuration used by the tracker.
func DefaultLineDetectorConfig() LineDetectorConfig {
	return LineDetectorConfig{
		MagThreshold:   80,
		AngleTolerance: math.Pi / 8,
		MinRegionSize:  25,
		MinLength:      25,
	}
}

// LineDetector finds line segments by growing regions of aligned gradient.
type LineDetector struct {
	cfg LineDetectorConfig
}

// NewLineDetector returns a detector with the given configuration.
func NewLineDetector(cfg LineDetectorConfig) *LineDetector {
	return &LineDetector{cfg: cfg}
}

// Detect extracts line segments with 256-bit band descriptors.
func (ld *LineDetector) Detect(img *image.Gray) ([]LineSegment, []Descriptor) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w < 8 || h < 8 {
		return nil, nil
	}
	mag := make([]float64, w*h)
	ang := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := sobelAt(img, x, y, true)
			gy := sobelAt(img, x, y, false)
			mag[y*w+x] = math.Hypot(gx, gy)
			// gradient angle, folded to a half circle
			a := math.Atan2(gy, gx)
			if a < -math.Pi/2 {
				a += math.Pi
			} else if a >= math.Pi/2 {
				a -= math.Pi
			}
			ang[y*w+x] = a
		}
	}

	visited := make([]bool, w*h)
	var segments []LineSegment
	var descs []Descriptor
	var stack []int
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			idx := y*w + x
			if visited[idx] || mag[idx] < ld.cfg.MagThreshold {
				continue
			}
			// grow a region of pixels with a consistent level-line angle
			seedAngle := ang[idx]
			region := []int{idx}
			visited[idx] = true
			stack = append(stack[:0], idx)
			for len(stack) > 0 {
				cur := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				cy, cx := cur/w, cur%w
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						ny, nx := cy+dy, cx+dx
						if ny < 1 || ny >= h-1 || nx < 1 || nx >= w-1 {
							continue
						}
						nidx := ny*w + nx
						if visited[nidx] || mag[nidx] < ld.cfg.MagThreshold {
							continue
						}
						if angleDiffHalf(ang[nidx], seedAngle) > ld.cfg.AngleTolerance {
							continue
						}
						visited[nidx] = true
						region = append(region, nidx)
						stack = append(stack, nidx)
					}
				}
			}
			if len(region) < ld.cfg.MinRegionSize {
				continue
			}
			seg, ok := fitSegment(region, w)
			if !ok || seg.Length < ld.cfg.MinLength {
				continue
			}
			segments = append(segments, seg)
			descs = append(descs, describeLine(img, seg))
		}
	}
	return segments, descs
}

func sobelAt(img *image.Gray, x, y int, horizontal bool) float64 {
	at := func(dx, dy int) float64 { return float64(img.Pix[(y+dy)*img.Stride+x+dx]) }
	if horizontal {
		return at(1, -1) + 2*at(1, 0) + at(1, 1) - at(-1, -1) - 2*at(-1, 0) - at(-1, 1)
	}
	return at(-1, 1) + 2*at(0, 1) + at(1, 1) - at(-1, -1) - 2*at(0, -1) - at(1, -1)
}

func angleDiffHalf(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > math.Pi/2 {
		d = math.Pi - d
	}
	return d
}

// fitSegment fits a segment to a pixel region by principal-axis projection.
func fitSegment(region []int, w int) (LineSegment, bool) {
	n := float64(len(region))
	var mx, my float64
	for _, idx := range region {
		mx += float64(idx % w)
		my += float64(idx / w)
	}
	mx /= n
	my /= n
	var sxx, sxy, syy float64
	for _, idx := range region {
		dx := float64(idx%w) - mx
		dy := float64(idx/w) - my
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	// principal eigenvector of the 2x2 scatter matrix
	theta := 0.5 * math.Atan2(2*sxy, sxx-syy)
	dirX, dirY := math.Cos(theta), math.Sin(theta)
	minProj, maxProj := math.Inf(1), math.Inf(-1)
	for _, idx := range region {
		p := (float64(idx%w)-mx)*dirX + (float64(idx/w)-my)*dirY
		if p < minProj {
			minProj = p
		}
		if p > maxProj {
			maxProj = p
		}
	}
	length := maxProj - minProj
	if length <= 0 {
		return LineSegment{}, false
	}
	a := theta
	if a < -math.Pi/2 {
		a += math.Pi
	} else if a >= math.Pi/2 {
		a -= math.Pi
	}
	return LineSegment{
		Start:  r2.Point{X: mx + minProj*dirX, Y: my + minProj*dirY},
		End:    r2.Point{X: mx + maxProj*dirX, Y: my + maxProj*dirY},
		Angle:  a,
		Length: length,
	}, true
}

// describeLine builds a binary band descriptor: intensity comparisons across
// the segment at regular stations along it.
func describeLine(img *image.Gray, seg LineSegment) Descriptor {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	at := func(x, y float64) float64 {
		xi, yi := int(math.Round(x)), int(math.Round(y))
		if xi < 0 {
			xi = 0
		} else if xi >= w {
			xi = w - 1
		}
		if yi < 0 {
			yi = 0
		} else if yi >= h {
			yi = h - 1
		}
		return float64(img.Pix[yi*img.Stride+xi])
	}
	dx := (seg.End.X - seg.Start.X) / seg.Length
	dy := (seg.End.Y - seg.Start.Y) / seg.Length
	nx, ny := -dy, dx // unit normal
	var desc Descriptor
	const stations = 32
	offsets := [4]float64{2, 4, 6, 8}
	for s := 0; s < stations; s++ {
		t := (float64(s) + 0.5) / stations * seg.Length
		px := seg.Start.X + t*dx
		py := seg.Start.Y + t*dy
		for o, off := range offsets {
			left := at(px+nx*off, py+ny*off)
			right := at(px-nx*off, py-ny*off)
			i := s*8 + o*2
			if left > right {
				desc[i/32] |= 1 << (i % 32)
			}
			if math.Abs(left-right) > 16 {
				desc[(i+1)/32] |= 1 << ((i + 1) % 32)
			}
		}
	}
	return desc
}
