package features

import "image"

// circleOffsets is the 16-pixel Bresenham circle of radius 3 around a
// candidate corner, in clockwise order.
var circleOffsets = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1},
	{3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
	{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

const fastArc = 9 // contiguous run length for the segment test

type fastCorner struct {
	x, y     int
	response float64
}

// detectFAST runs the FAST-9 segment test with the given threshold over the
// interior of img, with simple 3x3 non-maximum suppression on the response.
func detectFAST(img *image.Gray, threshold int) []fastCorner {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w < 7 || h < 7 {
		return nil
	}
	responses := make([]float64, w*h)
	var corners []fastCorner
	for y := 3; y < h-3; y++ {
		for x := 3; x < w-3; x++ {
			center := int(img.Pix[y*img.Stride+x])
			if r, ok := fastResponse(img, x, y, center, threshold); ok {
				responses[y*w+x] = r
				corners = append(corners, fastCorner{x: x, y: y, response: r})
			}
		}
	}
	// non-maximum suppression over the 8-neighborhood
	kept := corners[:0]
	for _, c := range corners {
		best := true
		for dy := -1; dy <= 1 && best; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				if responses[(c.y+dy)*w+c.x+dx] > c.response {
					best = false
					break
				}
			}
		}
		if best {
			kept = append(kept, c)
		}
	}
	return kept
}

// fastResponse performs the segment test at (x, y) and returns a corner score
// (sum of absolute differences along the qualifying arc).
func fastResponse(img *image.Gray, x, y, center, threshold int) (float64, bool) {
	var vals [16]int
	for i, off := range circleOffsets {
		vals[i] = int(img.Pix[(y+off[1])*img.Stride+x+off[0]])
	}
	// quick reject on the four compass points
	brightQuick, darkQuick := 0, 0
	for _, i := range [4]int{0, 4, 8, 12} {
		if vals[i] > center+threshold {
			brightQuick++
		} else if vals[i] < center-threshold {
			darkQuick++
		}
	}
	if brightQuick < 3 && darkQuick < 3 {
		return 0, false
	}
	score := func(brighter bool) (float64, bool) {
		run, bestRun := 0, 0
		sum, bestSum := 0.0, 0.0
		for i := 0; i < 32; i++ {
			v := vals[i%16]
			var on bool
			if brighter {
				on = v > center+threshold
			} else {
				on = v < center-threshold
			}
			if !on {
				run, sum = 0, 0
				continue
			}
			run++
			if v > center {
				sum += float64(v - center)
			} else {
				sum += float64(center - v)
			}
			if run > bestRun {
				bestRun, bestSum = run, sum
			}
			if run >= 16 {
				break
			}
		}
		return bestSum, bestRun >= fastArc
	}
	if s, ok := score(true); ok {
		return s, true
	}
	if s, ok := score(false); ok {
		return s, true
	}
	return 0, false
}
