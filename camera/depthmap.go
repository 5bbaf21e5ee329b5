package camera

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// DepthMap is a dense per-pixel depth image in meters. Zero means no reading.
type DepthMap struct {
	width  int
	height int
	data   []float32
}

// NewEmptyDepthMap returns an all-zero depth map of the given size.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{width: width, height: height, data: make([]float32, width*height)}
}

// NewDepthMapFromRaw wraps raw row-major float32 depth readings, dividing each
// by factor to convert to meters. A factor of 1 (or 0) keeps values as-is.
func NewDepthMapFromRaw(data []float32, width, height int, factor float64) (*DepthMap, error) {
	if len(data) != width*height {
		return nil, errors.Errorf("depth buffer has %d values, expected %dx%d", len(data), width, height)
	}
	dm := NewEmptyDepthMap(width, height)
	scale := float32(1)
	if factor > 0 {
		scale = float32(1.0 / factor)
	}
	for i, d := range data {
		dm.data[i] = d * scale
	}
	return dm, nil
}

// Width returns the width in pixels.
func (dm *DepthMap) Width() int { return dm.width }

// Height returns the height in pixels.
func (dm *DepthMap) Height() int { return dm.height }

// At returns the depth at (x, y) in meters, or 0 outside the map.
func (dm *DepthMap) At(x, y int) float64 {
	if x < 0 || x >= dm.width || y < 0 || y >= dm.height {
		return 0
	}
	return float64(dm.data[y*dm.width+x])
}

// Set writes the depth at (x, y) in meters.
func (dm *DepthMap) Set(x, y int, d float64) {
	if x < 0 || x >= dm.width || y < 0 || y >= dm.height {
		return
	}
	dm.data[y*dm.width+x] = float32(d)
}

// ColorOrder describes the channel order of a packed 8-bit color image.
type ColorOrder int

// Channel orders for raw color buffers.
const (
	OrderRGB ColorOrder = iota
	OrderBGR
)

// MakeGray converts an image to grayscale. Gray input is returned as-is.
func MakeGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return out
}

// GrayFromRaw converts a packed row-major 8-bit 3-channel buffer to grayscale,
// honoring the configured channel order.
func GrayFromRaw(data []byte, width, height int, order ColorOrder) (*image.Gray, error) {
	if len(data) != width*height*3 {
		return nil, errors.Errorf("color buffer has %d bytes, expected %dx%dx3", len(data), width, height)
	}
	out := image.NewGray(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		c0, c1, c2 := data[3*i], data[3*i+1], data[3*i+2]
		r, g, b := c0, c1, c2
		if order == OrderBGR {
			r, b = b, r
		}
		// ITU-R BT.601 luma
		out.Pix[i] = uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
	}
	return out, nil
}
