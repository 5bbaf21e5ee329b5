// Package camera holds the calibrated RGB-D camera model: pinhole intrinsics,
// Brown-Conrady distortion, depth maps, and the settings file they are loaded
// from.
package camera

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is returned when operating on a camera without calibration.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// Intrinsics holds the parameters of a perspective projection from the 3D
// camera frame to the 2D image plane, plus the virtual stereo baseline term
// Bf = fx*b used for RGB-D close/far semantics.
type Intrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
	Bf     float64 `json:"bf"`
}

// CheckValid checks if the fields for Intrinsics have valid inputs.
func (params *Intrinsics) CheckValid() error {
	if params == nil {
		return errors.Wrap(ErrNoIntrinsics, "intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid size (%d, %d)", params.Width, params.Height)
	}
	if params.Fx <= 0 {
		return errors.Wrap(ErrNoIntrinsics, fmt.Sprintf("invalid focal length Fx = %v", params.Fx))
	}
	if params.Fy <= 0 {
		return errors.Wrap(ErrNoIntrinsics, fmt.Sprintf("invalid focal length Fy = %v", params.Fy))
	}
	if params.Ppx < 0 {
		return errors.Wrap(ErrNoIntrinsics, fmt.Sprintf("invalid principal X point Ppx = %v", params.Ppx))
	}
	if params.Ppy < 0 {
		return errors.Wrap(ErrNoIntrinsics, fmt.Sprintf("invalid principal Y point Ppy = %v", params.Ppy))
	}
	return nil
}

// Baseline returns the virtual stereo baseline in meters.
func (params *Intrinsics) Baseline() float64 {
	return params.Bf / params.Fx
}

// Project projects a 3D point in the camera frame to a pixel. The boolean is
// false when the point is behind the camera.
func (params *Intrinsics) Project(p r3.Vector) (r2.Point, bool) {
	if p.Z <= 0 {
		return r2.Point{}, false
	}
	invZ := 1.0 / p.Z
	return r2.Point{
		X: params.Fx*p.X*invZ + params.Ppx,
		Y: params.Fy*p.Y*invZ + params.Ppy,
	}, true
}

// Unproject back-projects a pixel with depth z (meters) to the camera frame.
func (params *Intrinsics) Unproject(u, v, z float64) r3.Vector {
	return r3.Vector{
		X: (u - params.Ppx) / params.Fx * z,
		Y: (v - params.Ppy) / params.Fy * z,
		Z: z,
	}
}

// InImage reports whether the pixel falls inside the image bounds.
func (params *Intrinsics) InImage(u, v float64) bool {
	return u >= 0 && u < float64(params.Width) && v >= 0 && v < float64(params.Height)
}

// Matrix returns the 3x3 camera matrix
// [[fx 0 ppx], [0 fy ppy], [0 0 1]].
func (params *Intrinsics) Matrix() *mat.Dense {
	k := mat.NewDense(3, 3, nil)
	k.Set(0, 0, params.Fx)
	k.Set(1, 1, params.Fy)
	k.Set(0, 2, params.Ppx)
	k.Set(1, 2, params.Ppy)
	k.Set(2, 2, 1)
	return k
}
