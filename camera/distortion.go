package camera

import "github.com/golang/geo/r2"

// BrownConrady is the radial-tangential distortion model with coefficients
// k1, k2, k3 (radial) and p1, p2 (tangential).
type BrownConrady struct {
	K1 float64 `json:"rk1"`
	K2 float64 `json:"rk2"`
	P1 float64 `json:"tp1"`
	P2 float64 `json:"tp2"`
	K3 float64 `json:"rk3"`
}

// IsZero reports whether all coefficients are zero, i.e. no distortion.
func (bc *BrownConrady) IsZero() bool {
	if bc == nil {
		return true
	}
	return bc.K1 == 0 && bc.K2 == 0 && bc.P1 == 0 && bc.P2 == 0 && bc.K3 == 0
}

// Transform distorts normalized image coordinates (x, y).
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	r2v := x*x + y*y
	radial := 1 + bc.K1*r2v + bc.K2*r2v*r2v + bc.K3*r2v*r2v*r2v
	xd := x*radial + 2*bc.P1*x*y + bc.P2*(r2v+2*x*x)
	yd := y*radial + bc.P1*(r2v+2*y*y) + 2*bc.P2*x*y
	return xd, yd
}

// Undistort iteratively inverts the distortion for a normalized coordinate.
func (bc *BrownConrady) Undistort(xd, yd float64) (float64, float64) {
	x, y := xd, yd
	for i := 0; i < 10; i++ {
		r2v := x*x + y*y
		radial := 1 + bc.K1*r2v + bc.K2*r2v*r2v + bc.K3*r2v*r2v*r2v
		dx := 2*bc.P1*x*y + bc.P2*(r2v+2*x*x)
		dy := bc.P1*(r2v+2*y*y) + 2*bc.P2*x*y
		x = (xd - dx) / radial
		y = (yd - dy) / radial
	}
	return x, y
}

// UndistortPixel maps a distorted pixel coordinate to its undistorted
// location under the given intrinsics. With a nil or zero model the input is
// returned untouched.
func (bc *BrownConrady) UndistortPixel(params *Intrinsics, p r2.Point) r2.Point {
	if bc.IsZero() {
		return p
	}
	x := (p.X - params.Ppx) / params.Fx
	y := (p.Y - params.Ppy) / params.Fy
	x, y = bc.Undistort(x, y)
	return r2.Point{X: x*params.Fx + params.Ppx, Y: y*params.Fy + params.Ppy}
}
