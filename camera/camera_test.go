package camera

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestProjectUnproject(t *testing.T) {
	intr := &Intrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240, Bf: 20}
	p := r3.Vector{X: 0.3, Y: -0.2, Z: 2.0}
	px, ok := intr.Project(p)
	test.That(t, ok, test.ShouldBeTrue)
	back := intr.Unproject(px.X, px.Y, p.Z)
	test.That(t, back.X, test.ShouldAlmostEqual, p.X, 1e-9)
	test.That(t, back.Y, test.ShouldAlmostEqual, p.Y, 1e-9)
	test.That(t, back.Z, test.ShouldAlmostEqual, p.Z, 1e-9)

	_, ok = intr.Project(r3.Vector{X: 0, Y: 0, Z: -1})
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, intr.Baseline(), test.ShouldAlmostEqual, 0.04)
}

func TestDistortionRoundTrip(t *testing.T) {
	bc := &BrownConrady{K1: 0.05, K2: -0.01, P1: 0.001, P2: -0.0005, K3: 0.002}
	x, y := 0.2, -0.15
	xd, yd := bc.Transform(x, y)
	xu, yu := bc.Undistort(xd, yd)
	test.That(t, xu, test.ShouldAlmostEqual, x, 1e-6)
	test.That(t, yu, test.ShouldAlmostEqual, y, 1e-6)

	var zero *BrownConrady
	test.That(t, zero.IsZero(), test.ShouldBeTrue)
	intr := &Intrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
	pt := r2.Point{X: 100, Y: 50}
	test.That(t, zero.UndistortPixel(intr, pt), test.ShouldResemble, pt)
}

func TestDepthMapScaling(t *testing.T) {
	raw := []float32{5000, 0, 1000, 2500}
	dm, err := NewDepthMapFromRaw(raw, 2, 2, 5000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dm.At(0, 0), test.ShouldAlmostEqual, 1.0, 1e-6)
	test.That(t, dm.At(1, 0), test.ShouldEqual, 0)
	test.That(t, dm.At(0, 1), test.ShouldAlmostEqual, 0.2, 1e-6)
	test.That(t, dm.At(5, 5), test.ShouldEqual, 0)

	_, err = NewDepthMapFromRaw(raw, 3, 2, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGrayFromRaw(t *testing.T) {
	// one red pixel
	rgb := []byte{255, 0, 0}
	g, err := GrayFromRaw(rgb, 1, 1, OrderRGB)
	test.That(t, err, test.ShouldBeNil)
	asBGR, err := GrayFromRaw(rgb, 1, 1, OrderBGR)
	test.That(t, err, test.ShouldBeNil)
	// red weighs more than blue in luma
	test.That(t, g.Pix[0], test.ShouldBeGreaterThan, asBGR.Pix[0])

	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	test.That(t, MakeGray(gray), test.ShouldEqual, gray)
}

func writeSettings(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	return path
}

const validSettings = `# test settings
Camera.fx: 500.0
Camera.fy: 500.0
Camera.cx: 320.0
Camera.cy: 240.0
Camera.k1: 0.0
Camera.k2: 0.0
Camera.p1: 0.0
Camera.p2: 0.0
Camera.k3: 0.0
Camera.bf: 20.0
Camera.fps: 30
Camera.RGB: 1
Camera.width: 640
Camera.height: 480
ThDepth: 3.0
DepthMapFactor: 5000.0
ORBextractor.nFeatures: 1000
ORBextractor.scaleFactor: 1.2
ORBextractor.nLevels: 8
ORBextractor.iniThFAST: 20
ORBextractor.minThFAST: 7
Manhattan.verTh: 0.08716
Manhattan.disTh: 0.05
`

func TestLoadSettings(t *testing.T) {
	s, err := LoadSettings(writeSettings(t, validSettings))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Camera.Fx, test.ShouldEqual, 500.0)
	test.That(t, s.Camera.RGB, test.ShouldEqual, 1)
	test.That(t, s.ORBExtractor.NLevels, test.ShouldEqual, 8)
	test.That(t, s.Manhattan.DisTh, test.ShouldAlmostEqual, 0.05)
	test.That(t, s.ColorOrder(), test.ShouldEqual, OrderRGB)

	intr := s.Intrinsics()
	test.That(t, intr.CheckValid(), test.ShouldBeNil)
	test.That(t, intr.Ppx, test.ShouldEqual, 320.0)
	test.That(t, s.Distortion().IsZero(), test.ShouldBeTrue)
}

func TestLoadSettingsMissingKeys(t *testing.T) {
	_, err := LoadSettings(writeSettings(t, "Camera.fx: 500.0\n"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}
