package features

import (
	"image"
	"math"
	"math/rand"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

const (
	patchSize     = 31
	halfPatchSize = 15
	descriptorN   = 256
)

// orientationBounds holds the half-width of each row of the circular patch
// used for the intensity-centroid orientation.
var orientationBounds = []int{15, 15, 15, 15, 14, 14, 14, 13, 13, 12, 11, 10, 9, 8, 6, 3}

// ExtractorConfig contains the parameters needed to compute pyramid features.
type ExtractorConfig struct {
	NFeatures   int     `json:"n_features"`
	ScaleFactor float64 `json:"scale_factor"`
	NLevels     int     `json:"n_levels"`
	IniThFAST   int     `json:"ini_th_fast"`
	MinThFAST   int     `json:"min_th_fast"`
}

// Validate ensures all parts of the ExtractorConfig are valid.
func (cfg *ExtractorConfig) Validate() error {
	if cfg.NFeatures <= 0 {
		return errors.New("n_features should be > 0")
	}
	if cfg.ScaleFactor <= 1 {
		return errors.New("scale_factor should be greater than 1")
	}
	if cfg.NLevels < 1 {
		return errors.New("n_levels should be >= 1")
	}
	if cfg.IniThFAST <= 0 || cfg.MinThFAST <= 0 {
		return errors.New("FAST thresholds should be > 0")
	}
	return nil
}

// Extractor computes oriented FAST keypoints with 256-bit binary descriptors
// over an image pyramid.
type Extractor struct {
	cfg          ExtractorConfig
	pattern      [descriptorN][4]int // x0, y0, x1, y1 sample offsets
	scaleFactors []float64
	levelSigma2  []float64
	invSigma2    []float64
}

// NewExtractor returns an extractor for the given configuration.
func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Extractor{cfg: cfg}
	// fixed sampling pattern, identical across processes
	rnd := rand.New(rand.NewSource(36))
	sigma := float64(patchSize) / 5.0
	sample := func() int {
		v := int(math.Round(rnd.NormFloat64() * sigma))
		if v > halfPatchSize-2 {
			v = halfPatchSize - 2
		}
		if v < -(halfPatchSize - 2) {
			v = -(halfPatchSize - 2)
		}
		return v
	}
	for i := 0; i < descriptorN; i++ {
		e.pattern[i] = [4]int{sample(), sample(), sample(), sample()}
	}
	e.scaleFactors = make([]float64, cfg.NLevels)
	e.levelSigma2 = make([]float64, cfg.NLevels)
	e.invSigma2 = make([]float64, cfg.NLevels)
	for i := 0; i < cfg.NLevels; i++ {
		e.scaleFactors[i] = math.Pow(cfg.ScaleFactor, float64(i))
		e.levelSigma2[i] = e.scaleFactors[i] * e.scaleFactors[i]
		e.invSigma2[i] = 1.0 / e.levelSigma2[i]
	}
	return e, nil
}

// ScaleFactors returns the per-octave scale factors.
func (e *Extractor) ScaleFactors() []float64 { return e.scaleFactors }

// LevelSigma2 returns the per-octave squared scale factors.
func (e *Extractor) LevelSigma2() []float64 { return e.levelSigma2 }

// InvLevelSigma2 returns the per-octave inverse squared scale factors.
func (e *Extractor) InvLevelSigma2() []float64 { return e.invSigma2 }

// Levels returns the number of pyramid levels.
func (e *Extractor) Levels() int { return e.cfg.NLevels }

// Extract computes keypoints and descriptors on a grayscale image. Keypoint
// coordinates are in full-resolution pixels regardless of octave. An image
// with no detectable corners yields empty (non-nil) slices.
func (e *Extractor) Extract(img *image.Gray) ([]KeyPoint, []Descriptor, error) {
	if img == nil {
		return nil, nil, errors.New("input image is nil")
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	kps := make([]KeyPoint, 0, e.cfg.NFeatures)
	descs := make([]Descriptor, 0, e.cfg.NFeatures)

	level := img
	for octave := 0; octave < e.cfg.NLevels; octave++ {
		scale := e.scaleFactors[octave]
		if octave > 0 {
			lw := int(math.Round(float64(w) / scale))
			lh := int(math.Round(float64(h) / scale))
			if lw < patchSize || lh < patchSize {
				break
			}
			level = resizeGray(img, lw, lh)
		}
		desired := e.desiredPerLevel(octave)
		corners := detectFAST(level, e.cfg.IniThFAST)
		if len(corners) < desired {
			corners = detectFAST(level, e.cfg.MinThFAST)
		}
		sort.Slice(corners, func(i, j int) bool { return corners[i].response > corners[j].response })
		if len(corners) > desired {
			corners = corners[:desired]
		}
		blurred := blurGray(level)
		for _, c := range corners {
			angle := computeOrientation(level, c.x, c.y)
			desc, ok := e.describe(blurred, c.x, c.y, angle)
			if !ok {
				continue
			}
			kps = append(kps, KeyPoint{
				X:        float64(c.x) * scale,
				Y:        float64(c.y) * scale,
				Octave:   octave,
				Angle:    angle,
				Response: c.response,
			})
			descs = append(descs, desc)
		}
	}
	return kps, descs, nil
}

// desiredPerLevel distributes NFeatures across octaves in a geometric series.
func (e *Extractor) desiredPerLevel(octave int) int {
	inv := 1.0 / e.cfg.ScaleFactor
	total := (1 - math.Pow(inv, float64(e.cfg.NLevels))) / (1 - inv)
	n := float64(e.cfg.NFeatures) * math.Pow(inv, float64(octave)) / total
	return int(math.Ceil(n))
}

// computeOrientation returns the intensity-centroid angle at (x, y) in
// degrees [0, 360). Keypoints too close to the border get angle 0.
func computeOrientation(img *image.Gray, x, y int) float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if x < halfPatchSize || x >= w-halfPatchSize || y < halfPatchSize || y >= h-halfPatchSize {
		return 0
	}
	m01, m10 := 0, 0
	for dy := -halfPatchSize; dy <= halfPatchSize; dy++ {
		bound := orientationBounds[abs(dy)]
		for dx := -bound; dx <= bound; dx++ {
			pix := int(img.Pix[(y+dy)*img.Stride+x+dx])
			m10 += pix * dx
			m01 += pix * dy
		}
	}
	deg := math.Atan2(float64(m01), float64(m10)) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}

// describe computes the rotated binary descriptor at (x, y). Returns false
// when the rotated patch would leave the image.
func (e *Extractor) describe(img *image.Gray, x, y int, angleDeg float64) (Descriptor, bool) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if x < halfPatchSize || x >= w-halfPatchSize || y < halfPatchSize || y >= h-halfPatchSize {
		return Descriptor{}, false
	}
	rad := angleDeg * math.Pi / 180
	cosT, sinT := math.Cos(rad), math.Sin(rad)
	var desc Descriptor
	for i := 0; i < descriptorN; i++ {
		p := e.pattern[i]
		x0 := int(math.Round(cosT*float64(p[0]) - sinT*float64(p[1])))
		y0 := int(math.Round(sinT*float64(p[0]) + cosT*float64(p[1])))
		x1 := int(math.Round(cosT*float64(p[2]) - sinT*float64(p[3])))
		y1 := int(math.Round(sinT*float64(p[2]) + cosT*float64(p[3])))
		v0 := img.Pix[(y+clampOff(y0))*img.Stride+x+clampOff(x0)]
		v1 := img.Pix[(y+clampOff(y1))*img.Stride+x+clampOff(x1)]
		if v0 > v1 {
			desc[i/32] |= 1 << (i % 32)
		}
	}
	return desc, true
}

func clampOff(v int) int {
	if v > halfPatchSize {
		return halfPatchSize
	}
	if v < -halfPatchSize {
		return -halfPatchSize
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// resizeGray downscales a grayscale image, round-tripping through the resizer's
// NRGBA output.
func resizeGray(img *image.Gray, w, h int) *image.Gray {
	resized := imaging.Resize(img, w, h, imaging.Linear)
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Pix[y*out.Stride+x] = resized.Pix[y*resized.Stride+x*4]
		}
	}
	return out
}

// blurGray applies a separable 5-tap binomial blur.
func blurGray(img *image.Gray) *image.Gray {
	kernel := [5]int{1, 4, 6, 4, 1}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	tmp := make([]int, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0
			for k := -2; k <= 2; k++ {
				xx := x + k
				if xx < 0 {
					xx = 0
				} else if xx >= w {
					xx = w - 1
				}
				sum += kernel[k+2] * int(img.Pix[y*img.Stride+xx])
			}
			tmp[y*w+x] = sum
		}
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0
			for k := -2; k <= 2; k++ {
				yy := y + k
				if yy < 0 {
					yy = 0
				} else if yy >= h {
					yy = h - 1
				}
				sum += kernel[k+2] * tmp[yy*w+x]
			}
			out.Pix[y*out.Stride+x] = uint8(sum / 256)
		}
	}
	return out
}
