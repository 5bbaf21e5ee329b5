package matcher

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/slamtrack/bow"
	"go.viam.com/slamtrack/camera"
	"go.viam.com/slamtrack/features"
	"go.viam.com/slamtrack/slammap"
	"go.viam.com/slamtrack/spatial"
)

func spatialIdentity() *spatial.SE3 { return spatial.NewSE3() }

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

// syntheticScene builds a frame whose keypoints are exact projections of
// random world points on a wall, with descriptors attached.
type syntheticScene struct {
	world  []r3.Vector
	kps    []features.KeyPoint
	descs  []features.Descriptor
	depths []float64
	intr   *camera.Intrinsics
}

func newSyntheticScene(n int, seed int64) *syntheticScene {
	rnd := rand.New(rand.NewSource(seed))
	intr := testIntrinsics()
	s := &syntheticScene{intr: intr}
	for len(s.world) < n {
		p := r3.Vector{
			X: (rnd.Float64() - 0.5) * 2,
			Y: (rnd.Float64() - 0.5) * 1.5,
			Z: 1.5 + rnd.Float64(),
		}
		uv, ok := intr.Project(p)
		if !ok || !intr.InImage(uv.X, uv.Y) {
			continue
		}
		var d features.Descriptor
		for w := range d {
			d[w] = rnd.Uint32()
		}
		s.world = append(s.world, p)
		s.kps = append(s.kps, features.KeyPoint{X: uv.X, Y: uv.Y, Octave: 0, Angle: rnd.Float64() * 360})
		s.descs = append(s.descs, d)
		s.depths = append(s.depths, p.Z)
	}
	return s
}

func (s *syntheticScene) frame(ts float64) *slammap.Frame {
	kps := make([]features.KeyPoint, len(s.kps))
	copy(kps, s.kps)
	descs := make([]features.Descriptor, len(s.descs))
	copy(descs, s.descs)
	depths := make([]float64, len(s.depths))
	copy(depths, s.depths)
	return slammap.NewFrameFromFeatures(s.intr, 3.0, ts, kps, descs, depths, testScaleFactors())
}

// keyframe builds a keyframe at identity pose with one landmark per keypoint.
func (s *syntheticScene) keyframe(t *testing.T, m *slammap.Map, vocab bow.Vocabulary) *slammap.KeyFrame {
	t.Helper()
	f := s.frame(0)
	f.SetPose(spatialIdentity())
	f.ComputeBoW(vocab)
	kf := slammap.NewKeyFrame(f)
	m.AddKeyFrame(kf)
	for i, pw := range s.world {
		mp := slammap.NewMapPoint(pw, kf, s.descs[i])
		mp.AddObservation(kf, i)
		kf.AddMapPoint(mp, i)
		mp.SetNormalAndDepthForInit(kf.CameraCenter(), s.kps[i].Octave, f.ScaleFactors)
		m.AddMapPoint(mp)
	}
	return kf
}

func TestRadiusByViewingCos(t *testing.T) {
	test.That(t, RadiusByViewingCos(0.999), test.ShouldEqual, 2.5)
	test.That(t, RadiusByViewingCos(0.9), test.ShouldEqual, 4.0)
}

func TestSearchByProjectionLastFrame(t *testing.T) {
	scene := newSyntheticScene(200, 21)
	m := slammap.NewMap()
	kf := scene.keyframe(t, m, nil)

	last := scene.frame(0)
	last.SetPose(spatialIdentity())
	for i := range last.MapPoints {
		last.MapPoints[i] = kf.GetMapPoint(i)
	}
	cur := scene.frame(1.0 / 30)
	cur.SetPose(spatialIdentity())

	mm := New(0.9, true)
	n := mm.SearchByProjectionLastFrame(cur, last, 7)
	test.That(t, n, test.ShouldBeGreaterThan, 150)
	// every recovered match points at the right landmark
	correct := 0
	for i, mp := range cur.MapPoints {
		if mp == nil {
			continue
		}
		if mp == kf.GetMapPoint(i) {
			correct++
		}
	}
	test.That(t, correct, test.ShouldBeGreaterThan, n*9/10)
}

func TestSearchByProjectionLocal(t *testing.T) {
	scene := newSyntheticScene(150, 22)
	m := slammap.NewMap()
	scene.keyframe(t, m, nil)

	cur := scene.frame(1.0 / 30)
	cur.SetPose(spatialIdentity())
	points := m.MapPoints()
	visible := 0
	for _, mp := range points {
		if cur.IsInFrustum(mp, 0.5) {
			visible++
		}
	}
	test.That(t, visible, test.ShouldBeGreaterThan, 100)

	mm := New(0.8, true)
	n := mm.SearchByProjectionLocal(cur, points, 1)
	test.That(t, n, test.ShouldBeGreaterThan, 100)
}

func TestRatioTestMonotonicity(t *testing.T) {
	scene := newSyntheticScene(150, 23)
	countWithRatio := func(ratio float64) int {
		m := slammap.NewMap()
		scene.keyframe(t, m, nil)
		cur := scene.frame(1.0 / 30)
		cur.SetPose(spatialIdentity())
		points := m.MapPoints()
		for _, mp := range points {
			cur.IsInFrustum(mp, 0.5)
		}
		return New(ratio, true).SearchByProjectionLocal(cur, points, 1)
	}
	loose := countWithRatio(0.95)
	tight := countWithRatio(0.5)
	test.That(t, tight, test.ShouldBeLessThanOrEqualTo, loose)
}

func TestSearchByBoW(t *testing.T) {
	scene := newSyntheticScene(200, 24)
	vocab, err := bow.TrainVocabulary(scene.descs, 12)
	test.That(t, err, test.ShouldBeNil)

	m := slammap.NewMap()
	kf := scene.keyframe(t, m, vocab)

	cur := scene.frame(1.0 / 30)
	cur.ComputeBoW(vocab)
	mm := New(0.7, true)
	matches, n := mm.SearchByBoW(kf, cur)
	test.That(t, n, test.ShouldBeGreaterThan, 150)
	correct := 0
	for i, mp := range matches {
		if mp != nil && mp == kf.GetMapPoint(i) {
			correct++
		}
	}
	test.That(t, correct, test.ShouldEqual, n)
}

func TestRotationConsistencyMonotonicity(t *testing.T) {
	// histogram with a dominant bin and scattered noise bins
	var hist rotHistogram
	for i := 0; i < 60; i++ {
		hist.add(10, 5, i) // all in one bin
	}
	hist.add(200, 5, 100)
	hist.add(100, 5, 101)
	dropped := 0
	n := 62 - hist.filter(func(int) { dropped++ })
	test.That(t, dropped, test.ShouldEqual, 2)
	test.That(t, n, test.ShouldEqual, 60)
}

func TestRotationHistogramWrap(t *testing.T) {
	var hist rotHistogram
	// 359.9 - 0.0 => 359.9 => bin rounds to 30 => wraps to 0
	hist.add(359.9, 0, 1)
	hist.add(0.1, 0, 2)
	test.That(t, len(hist.bins[0]), test.ShouldEqual, 2)
}

func TestFuse(t *testing.T) {
	scene := newSyntheticScene(120, 25)
	m := slammap.NewMap()
	kf := scene.keyframe(t, m, nil)

	// a second keyframe of the same scene with no landmark bindings
	f2 := scene.frame(1)
	f2.SetPose(spatialIdentity())
	kf2 := slammap.NewKeyFrame(f2)
	m.AddKeyFrame(kf2)

	mm := New(0.6, true)
	fused := mm.Fuse(kf2, m.MapPoints(), 1.0)
	test.That(t, fused, test.ShouldBeGreaterThan, 80)
	// fused landmarks are now observed from kf2 bidirectionally
	seen := 0
	for i, mp := range kf2.MapPointMatches() {
		if mp == nil {
			continue
		}
		test.That(t, mp.IndexInKeyFrame(kf2), test.ShouldEqual, i)
		seen++
	}
	test.That(t, seen, test.ShouldEqual, fused)
	_ = kf
}
