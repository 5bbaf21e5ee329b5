package features

import (
	"image"

	"github.com/fogleman/gg"
)

// PlotKeypoints plots keypoints on the image and saves a PNG.
func PlotKeypoints(img *image.Gray, kps []KeyPoint, outName string) error {
	w, h := img.Bounds().Max.X, img.Bounds().Max.Y
	dc := gg.NewContext(w, h)
	dc.DrawImage(img, 0, 0)
	dc.SetRGBA(0, 0, 1, 0.5)
	for _, kp := range kps {
		dc.DrawCircle(kp.X, kp.Y, 3.0)
		dc.Fill()
	}
	return dc.SavePNG(outName)
}

// PlotLineSegments plots detected line segments on the image and saves a PNG.
func PlotLineSegments(img *image.Gray, segs []LineSegment, outName string) error {
	w, h := img.Bounds().Max.X, img.Bounds().Max.Y
	dc := gg.NewContext(w, h)
	dc.DrawImage(img, 0, 0)
	dc.SetRGBA(1, 0, 0, 0.8)
	dc.SetLineWidth(1.5)
	for _, s := range segs {
		dc.DrawLine(s.Start.X, s.Start.Y, s.End.X, s.End.Y)
		dc.Stroke()
	}
	return dc.SavePNG(outName)
}
