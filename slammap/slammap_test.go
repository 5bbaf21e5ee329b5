package slammap

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/slamtrack/camera"
	"go.viam.com/slamtrack/features"
	"go.viam.com/slamtrack/spatial"
)

func testIntrinsics() *camera.Intrinsics {
	return &camera.Intrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240, Bf: 20}
}

func testScaleFactors() []float64 {
	sf := make([]float64, 8)
	for i := range sf {
		sf[i] = math.Pow(1.2, float64(i))
	}
	return sf
}

func randomFrame(t *testing.T, n int, seed int64) *Frame {
	t.Helper()
	rnd := rand.New(rand.NewSource(seed))
	kps := make([]features.KeyPoint, n)
	descs := make([]features.Descriptor, n)
	depths := make([]float64, n)
	for i := 0; i < n; i++ {
		kps[i] = features.KeyPoint{
			X:      rnd.Float64() * 640,
			Y:      rnd.Float64() * 480,
			Octave: rnd.Intn(8),
			Angle:  rnd.Float64() * 360,
		}
		for w := range descs[i] {
			descs[i][w] = rnd.Uint32()
		}
		depths[i] = 0.5 + rnd.Float64()*4
	}
	return NewFrameFromFeatures(testIntrinsics(), 3.0, 0, kps, descs, depths, testScaleFactors())
}

func TestGridRoundTrip(t *testing.T) {
	f := randomFrame(t, 300, 1)
	for i, kp := range f.KPs {
		found := false
		for _, idx := range f.GetFeaturesInArea(kp.X, kp.Y, 0.5, -1, -1) {
			if idx == i {
				found = true
				break
			}
		}
		test.That(t, found, test.ShouldBeTrue)
	}
	// octave bounds are inclusive
	kp := f.KPs[0]
	hits := f.GetFeaturesInArea(kp.X, kp.Y, 0.5, kp.Octave, kp.Octave)
	test.That(t, hits, test.ShouldContain, 0)
	misses := f.GetFeaturesInArea(kp.X, kp.Y, 0.5, kp.Octave+1, -1)
	test.That(t, misses, test.ShouldNotContain, 0)
	test.That(t, f.GetFeaturesInArea(-100, -100, 1, -1, -1), test.ShouldBeEmpty)
}

func TestFrameVirtualRight(t *testing.T) {
	f := randomFrame(t, 50, 2)
	for i := range f.KPs {
		if f.Depths[i] > 0 {
			want := f.KPs[i].X - f.Intr.Bf/f.Depths[i]
			test.That(t, f.URight[i], test.ShouldAlmostEqual, want, 1e-9)
		} else {
			test.That(t, f.URight[i], test.ShouldEqual, -1)
		}
	}
}

func TestObservationBidirectionality(t *testing.T) {
	f := randomFrame(t, 60, 3)
	f.SetPose(spatial.NewSE3())
	kf := NewKeyFrame(f)

	mp := NewMapPoint(r3.Vector{X: 0, Y: 0, Z: 2}, kf, f.Descs[4])
	mp.AddObservation(kf, 4)
	kf.AddMapPoint(mp, 4)

	test.That(t, kf.GetMapPoint(4), test.ShouldEqual, mp)
	test.That(t, mp.IndexInKeyFrame(kf), test.ShouldEqual, 4)
	obs := mp.GetObservations()
	test.That(t, obs[kf], test.ShouldEqual, 4)

	// erasing the observation clears the keyframe slot
	mp.EraseObservation(kf)
	test.That(t, kf.GetMapPoint(4), test.ShouldBeNil)
	test.That(t, mp.IsBad(), test.ShouldBeTrue) // fell below two observers
}

func TestReplaceIdempotence(t *testing.T) {
	f := randomFrame(t, 60, 4)
	f.SetPose(spatial.NewSE3())
	kf := NewKeyFrame(f)

	p := NewMapPoint(r3.Vector{Z: 2}, kf, f.Descs[0])
	p.AddObservation(kf, 0)
	kf.AddMapPoint(p, 0)

	// replacing with itself is a no-op
	p.Replace(p)
	test.That(t, p.IsBad(), test.ShouldBeFalse)
	test.That(t, kf.GetMapPoint(0), test.ShouldEqual, p)

	q := NewMapPoint(r3.Vector{Z: 2.01}, kf, f.Descs[1])
	r := NewMapPoint(r3.Vector{Z: 2.02}, kf, f.Descs[2])
	p.Replace(q)
	test.That(t, p.IsBad(), test.ShouldBeTrue)
	test.That(t, kf.GetMapPoint(0), test.ShouldEqual, q)
	test.That(t, q.IndexInKeyFrame(kf), test.ShouldEqual, 0)

	// a second replace on the dead point re-routes everything to the new
	// target: p stays bad and all observers end up on r
	p.Replace(r)
	test.That(t, p.IsBad(), test.ShouldBeTrue)
	test.That(t, kf.GetMapPoint(0), test.ShouldEqual, r)
	test.That(t, r.IndexInKeyFrame(kf), test.ShouldEqual, 0)
	test.That(t, p.GetReplaced(), test.ShouldEqual, r)
	test.That(t, q.IsBad(), test.ShouldBeTrue)
	test.That(t, q.GetReplaced(), test.ShouldEqual, r)
}

func TestPredictScale(t *testing.T) {
	f := randomFrame(t, 30, 5)
	f.SetPose(spatial.NewSE3())
	kf := NewKeyFrame(f)
	mp := NewMapPoint(r3.Vector{Z: 2}, kf, f.Descs[0])
	mp.AddObservation(kf, 0)
	kf.AddMapPoint(mp, 0)
	mp.SetNormalAndDepthForInit(kf.CameraCenter(), 0, f.ScaleFactors)

	minD, maxD := mp.DistanceInvariance()
	test.That(t, minD, test.ShouldBeLessThan, maxD)
	sf := testScaleFactors()
	test.That(t, mp.PredictScale(maxD/1.2, len(sf), sf), test.ShouldEqual, 0)
	closest := mp.PredictScale(minD/0.8, len(sf), sf)
	test.That(t, closest, test.ShouldEqual, len(sf)-1)
}

func TestMapSnapshotsAndBadFiltering(t *testing.T) {
	m := NewMap()
	f := randomFrame(t, 40, 6)
	f.SetPose(spatial.NewSE3())
	kf := NewKeyFrame(f)
	m.AddKeyFrame(kf)
	test.That(t, m.Origin(), test.ShouldEqual, kf)

	good := NewMapPoint(r3.Vector{Z: 2}, kf, f.Descs[0])
	bad := NewMapPoint(r3.Vector{Z: 3}, kf, f.Descs[1])
	m.AddMapPoint(good)
	m.AddMapPoint(bad)
	bad.SetBadFlag()

	visible := 0
	for _, mp := range m.MapPoints() {
		if !mp.IsBad() {
			visible++
		}
	}
	test.That(t, visible, test.ShouldEqual, 1)
	test.That(t, m.KeyFramesInMap(), test.ShouldEqual, 1)
	m.Clear()
	test.That(t, m.KeyFramesInMap(), test.ShouldEqual, 0)
	test.That(t, m.MapPointsInMap(), test.ShouldEqual, 0)
}

func TestCovisibilityAndSpanningTree(t *testing.T) {
	m := NewMap()
	fa := randomFrame(t, 80, 7)
	fa.SetPose(spatial.NewSE3())
	kfa := NewKeyFrame(fa)
	m.AddKeyFrame(kfa)

	fb := randomFrame(t, 80, 8)
	fb.SetPose(spatial.NewSE3())
	kfb := NewKeyFrame(fb)
	m.AddKeyFrame(kfb)

	// 20 shared landmarks
	for i := 0; i < 20; i++ {
		mp := NewMapPoint(r3.Vector{X: float64(i), Z: 2}, kfa, fa.Descs[i])
		mp.AddObservation(kfa, i)
		kfa.AddMapPoint(mp, i)
		mp.AddObservation(kfb, i)
		kfb.AddMapPoint(mp, i)
		m.AddMapPoint(mp)
	}
	kfa.UpdateConnections()
	kfb.UpdateConnections()

	test.That(t, kfa.Weight(kfb), test.ShouldEqual, 20)
	test.That(t, kfb.Weight(kfa), test.ShouldEqual, 20)
	best := kfb.GetBestCovisibilityKeyFrames(5)
	test.That(t, len(best), test.ShouldEqual, 1)
	test.That(t, best[0], test.ShouldEqual, kfa)

	// the non-origin keyframe hangs off the origin in the spanning tree
	test.That(t, kfb.Parent(), test.ShouldEqual, kfa)
	test.That(t, kfa.Parent(), test.ShouldBeNil)
	test.That(t, kfa.Children(), test.ShouldContain, kfb)
}

func TestTransformPlane(t *testing.T) {
	// plane z = 2 in camera frame: n=(0,0,-1), d=2
	n := r3.Vector{Z: -1}
	d := 2.0
	// camera at world origin looking down +z: camToWorld identity
	nw, dw := TransformPlane(n, d, spatial.NewSE3())
	test.That(t, nw, test.ShouldResemble, n)
	test.That(t, dw, test.ShouldEqual, d)

	// camera translated 1m along +z in world
	camToWorld := spatial.NewSE3FromParts(spatial.NewSE3().Rotation(), r3.Vector{Z: 1})
	nw, dw = TransformPlane(n, d, camToWorld)
	// a camera-frame point (0,0,2) maps to world (0,0,3): -z + 3 = 0
	test.That(t, nw.Z, test.ShouldAlmostEqual, -1)
	test.That(t, dw, test.ShouldAlmostEqual, 3)
}

func TestRecognizePlane(t *testing.T) {
	m := NewMap()
	mpl := NewMapPlane(r3.Vector{Z: -1}, 3, 500)
	m.AddMapPlane(mpl)

	obs := features.Plane{Normal: r3.Vector{Z: -1}, D: 2, Inliers: 400}
	camToWorld := spatial.NewSE3FromParts(spatial.NewSE3().Rotation(), r3.Vector{Z: 1})
	got := m.RecognizePlane(obs, camToWorld, 0.1, 0.1)
	test.That(t, got, test.ShouldEqual, mpl)

	// far offset: no association
	far := features.Plane{Normal: r3.Vector{Z: -1}, D: 0.5, Inliers: 400}
	test.That(t, m.RecognizePlane(far, camToWorld, 0.1, 0.1), test.ShouldBeNil)
}
