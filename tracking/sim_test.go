package tracking

import (
	"image"
	"math"
	"math/rand"

	"github.com/golang/geo/r3"

	"go.viam.com/slamtrack/camera"
	"go.viam.com/slamtrack/spatial"
)

// simScene renders synthetic RGB-D frames of textured blobs (high-contrast
// 7x7 patterns anchored to 3D points) and, optionally, analytic depth planes.
type simScene struct {
	intr   *camera.Intrinsics
	planes []simPlane
	blobs  []simBlob
}

// simPlane is a world plane n·p + d = 0 used for analytic depth.
type simPlane struct {
	n r3.Vector
	d float64
}

// simBlob is a textured patch anchored at a world point; seed fixes its
// pattern so it looks identical from frame to frame.
type simBlob struct {
	world r3.Vector
	seed  int64
}

func simIntrinsics() *camera.Intrinsics {
	return &camera.Intrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240, Bf: 20}
}

// wallScene scatters blobs over a fronto-parallel wall at depth z.
func wallScene(nBlobs int, z float64, seed int64) *simScene {
	intr := simIntrinsics()
	rnd := rand.New(rand.NewSource(seed))
	s := &simScene{intr: intr}
	for i := 0; i < nBlobs; i++ {
		u := 20 + rnd.Float64()*600
		v := 20 + rnd.Float64()*440
		s.blobs = append(s.blobs, simBlob{
			world: intr.Unproject(u, v, z),
			seed:  rnd.Int63(),
		})
	}
	return s
}

// volumeScene scatters blobs through a depth range.
func volumeScene(nBlobs int, zMin, zMax float64, seed int64) *simScene {
	intr := simIntrinsics()
	rnd := rand.New(rand.NewSource(seed))
	s := &simScene{intr: intr}
	for i := 0; i < nBlobs; i++ {
		u := 20 + rnd.Float64()*600
		v := 20 + rnd.Float64()*440
		z := zMin + rnd.Float64()*(zMax-zMin)
		s.blobs = append(s.blobs, simBlob{
			world: intr.Unproject(u, v, z),
			seed:  rnd.Int63(),
		})
	}
	return s
}

// render draws the scene as seen from tcw. With analytic planes, depth comes
// from the planes everywhere; without them, blob pixels carry the blob's
// camera depth and all other pixels read 0.
func (s *simScene) render(tcw *spatial.SE3) (*image.Gray, []float32) {
	w, h := s.intr.Width, s.intr.Height
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 90
	}
	depth := make([]float32, w*h)

	if len(s.planes) > 0 {
		camToWorld := tcw.Inverse()
		ow := camToWorld.Translation()
		for v := 0; v < h; v++ {
			for u := 0; u < w; u++ {
				dir := camToWorld.RotateOnly(s.intr.Unproject(float64(u), float64(v), 1))
				best := math.Inf(1)
				for _, pl := range s.planes {
					den := pl.n.Dot(dir)
					if math.Abs(den) < 1e-9 {
						continue
					}
					t := -(pl.n.Dot(ow) + pl.d) / den
					if t > 0.1 && t < best {
						best = t
					}
				}
				if !math.IsInf(best, 1) {
					depth[v*w+u] = float32(best)
				}
			}
		}
	}

	// painter's order: far blobs first
	order := make([]int, len(s.blobs))
	zs := make([]float64, len(s.blobs))
	for i, b := range s.blobs {
		order[i] = i
		zs[i] = tcw.Apply(b.world).Z
	}
	for i := range order {
		for j := i + 1; j < len(order); j++ {
			if zs[order[j]] > zs[order[i]] {
				order[i], order[j] = order[j], order[i]
			}
		}
	}
	for _, bi := range order {
		b := s.blobs[bi]
		pc := tcw.Apply(b.world)
		if pc.Z < 0.3 {
			continue
		}
		uv, ok := s.intr.Project(pc)
		if !ok {
			continue
		}
		cx, cy := int(math.Round(uv.X)), int(math.Round(uv.Y))
		if cx < 4 || cx >= w-4 || cy < 4 || cy >= h-4 {
			continue
		}
		rnd := rand.New(rand.NewSource(b.seed))
		for dy := -3; dy <= 3; dy++ {
			for dx := -3; dx <= 3; dx++ {
				var val uint8
				if rnd.Intn(2) == 0 {
					val = uint8(10 + rnd.Intn(50))
				} else {
					val = uint8(170 + rnd.Intn(80))
				}
				img.Pix[(cy+dy)*img.Stride+cx+dx] = val
				// with analytic planes the texture is painted on the
				// surface and depth stays exact
				if len(s.planes) == 0 {
					depth[(cy+dy)*w+cx+dx] = float32(pc.Z)
				}
			}
		}
	}
	return img, depth
}

// reseed re-randomizes the texture of a fraction of the blobs, making their
// old descriptors unmatchable.
func (s *simScene) reseed(fraction float64, seed int64) int {
	rnd := rand.New(rand.NewSource(seed))
	n := int(fraction * float64(len(s.blobs)))
	for i := 0; i < n; i++ {
		s.blobs[i].seed = rnd.Int63()
	}
	return n
}
