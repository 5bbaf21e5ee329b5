package tracking

import (
	"bytes"
	"image"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/slamtrack/bow"
	"go.viam.com/slamtrack/camera"
	"go.viam.com/slamtrack/features"
	"go.viam.com/slamtrack/slammap"
	"go.viam.com/slamtrack/spatial"
)

type mapperStub struct {
	inserted     []*slammap.KeyFrame
	queueFull    bool
	busy         bool
	interrupts   int
	notStopCalls int
}

func (ms *mapperStub) InsertKeyFrame(kf *slammap.KeyFrame) bool {
	if ms.queueFull {
		return false
	}
	ms.inserted = append(ms.inserted, kf)
	return true
}
func (ms *mapperStub) AcceptKeyFrames() bool { return !ms.busy }
func (ms *mapperStub) SetNotStop(bool) bool  { ms.notStopCalls++; return true }
func (ms *mapperStub) InterruptBA()          { ms.interrupts++ }

type kfdbStub struct{ added []*slammap.KeyFrame }

func (db *kfdbStub) Add(kf *slammap.KeyFrame) { db.added = append(db.added, kf) }
func (db *kfdbStub) DetectRelocalizationCandidates(*slammap.Frame) []*slammap.KeyFrame {
	return nil
}

func simSettings() *camera.Settings {
	return &camera.Settings{
		Camera: camera.CameraSettings{
			Fx: 500, Fy: 500, Cx: 320, Cy: 240,
			Bf: 20, FPS: 30, RGB: 1,
			Width: 640, Height: 480,
		},
		ThDepth:        3.0,
		DepthMapFactor: 1.0,
		ORBExtractor: camera.ExtractorSettings{
			NFeatures:   1000,
			ScaleFactor: 1.2,
			NLevels:     8,
			IniThFAST:   12,
			MinThFAST:   5,
		},
		Manhattan: camera.ManhattanSettings{VerTh: 0.08716, DisTh: 0.1},
	}
}

// newSimTracker builds a tracker whose vocabulary is trained on the scene's
// first rendering.
func newSimTracker(t *testing.T, scene *simScene) (*Tracker, *mapperStub) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	settings := simSettings()

	// train a small vocabulary on the scene as seen from the origin
	img, _ := scene.render(spatial.NewSE3())
	ext, err := features.NewExtractor(features.ExtractorConfig{
		NFeatures:   settings.ORBExtractor.NFeatures,
		ScaleFactor: settings.ORBExtractor.ScaleFactor,
		NLevels:     settings.ORBExtractor.NLevels,
		IniThFAST:   settings.ORBExtractor.IniThFAST,
		MinThFAST:   settings.ORBExtractor.MinThFAST,
	})
	test.That(t, err, test.ShouldBeNil)
	_, descs, err := ext.Extract(img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(descs), test.ShouldBeGreaterThan, minInitKeypoints)
	vocab, err := bow.TrainVocabulary(descs, 16)
	test.That(t, err, test.ShouldBeNil)

	mapper := &mapperStub{}
	tracker, err := NewFromSettings(settings, vocab, slammap.NewMap(), &kfdbStub{}, mapper, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tracker.State(), test.ShouldEqual, StateNoImagesYet)
	return tracker, mapper
}

func rotationAngle(a, b *spatial.SE3) float64 {
	diff := a.Compose(b.Inverse())
	return spatial.LogSO3(diff.Rotation()).Norm()
}

// TestIdentityMotion feeds copies of the same frame: the pose must stay at
// identity and every frame must track.
func TestIdentityMotion(t *testing.T) {
	scene := wallScene(800, 2.0, 101)
	tracker, _ := newSimTracker(t, scene)

	img, depth := scene.render(spatial.NewSE3())
	for k := 0; k < 30; k++ {
		ts := float64(k) / 30
		pose, err := tracker.GrabImage(img, depth, ts)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tracker.State(), test.ShouldEqual, StateOK)
		test.That(t, pose.Translation().Norm(), test.ShouldBeLessThan, 1e-3)
		test.That(t, rotationAngle(pose, spatial.NewSE3()), test.ShouldBeLessThan, 1e-3)
	}
	traj := tracker.Trajectory()
	test.That(t, len(traj), test.ShouldEqual, 30)
	for _, e := range traj {
		test.That(t, e.Lost, test.ShouldBeFalse)
	}
}

// TestPureTranslation moves the camera forward 5 cm per frame through a
// random volume and checks the recovered motion.
func TestPureTranslation(t *testing.T) {
	scene := volumeScene(1000, 1.0, 5.0, 102)
	tracker, _ := newSimTracker(t, scene)

	var lastPose *spatial.SE3
	for k := 0; k <= 10; k++ {
		tz := 0.05 * float64(k)
		trueTcw := spatial.NewSE3FromParts(spatial.NewSE3().Rotation(), r3.Vector{Z: -tz})
		img, depth := scene.render(trueTcw)
		pose, err := tracker.GrabImage(img, depth, float64(k)/30)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tracker.State(), test.ShouldEqual, StateOK)
		lastPose = pose

		wantT := trueTcw.Translation()
		test.That(t, pose.Translation().Sub(wantT).Norm(), test.ShouldBeLessThan, 0.005)
		test.That(t, rotationAngle(pose, trueTcw), test.ShouldBeLessThan, 0.5*math.Pi/180)
	}
	test.That(t, lastPose.Translation().Z, test.ShouldAlmostEqual, -0.5, 0.005)
}

// TestOcclusionStress zeroes most depth readings for one frame; tracking must
// survive on the remaining geometry.
func TestOcclusionStress(t *testing.T) {
	scene := wallScene(800, 2.0, 103)
	tracker, _ := newSimTracker(t, scene)

	img, depth := scene.render(spatial.NewSE3())
	for k := 0; k < 5; k++ {
		_, err := tracker.GrabImage(img, depth, float64(k)/30)
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, tracker.State(), test.ShouldEqual, StateOK)

	sparse := make([]float32, len(depth))
	for i, d := range depth {
		if i%5 == 0 {
			sparse[i] = d
		}
	}
	_, err := tracker.GrabImage(img, sparse, 5.0/30)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tracker.State(), test.ShouldEqual, StateOK)

	_, err = tracker.GrabImage(img, depth, 6.0/30)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tracker.State(), test.ShouldEqual, StateOK)
}

// TestTotalFailure replaces one frame with noise: the tracker transitions to
// LOST exactly once, then re-initializes on the next valid frame.
func TestTotalFailure(t *testing.T) {
	scene := wallScene(800, 2.0, 104)
	tracker, _ := newSimTracker(t, scene)

	img, depth := scene.render(spatial.NewSE3())
	lostFrames := 0
	for k := 0; k < 12; k++ {
		ts := float64(k) / 30
		var err error
		if k == 6 {
			noise := image.NewGray(image.Rect(0, 0, 640, 480))
			rnd := rand.New(rand.NewSource(7))
			for i := range noise.Pix {
				noise.Pix[i] = uint8(rnd.Intn(256))
			}
			noiseDepth := make([]float32, 640*480)
			for i := range noiseDepth {
				noiseDepth[i] = 0.5 + rnd.Float32()*4
			}
			_, err = tracker.GrabImage(noise, noiseDepth, ts)
		} else {
			_, err = tracker.GrabImage(img, depth, ts)
		}
		test.That(t, err, test.ShouldBeNil)
		if tracker.State() == StateLost {
			lostFrames++
		}
	}
	test.That(t, lostFrames, test.ShouldEqual, 1)
	test.That(t, tracker.State(), test.ShouldEqual, StateOK)

	lostEntries := 0
	for _, e := range tracker.Trajectory() {
		if e.Lost {
			lostEntries++
		}
	}
	test.That(t, lostEntries, test.ShouldEqual, 1)
}

// TestKeyframeCadence verifies the keyframe policy: nothing is inserted while
// the reference keyframe still explains the frame, and losing most of the
// close points (165 of the 200 close blobs re-textured) triggers a prompt
// insertion.
func TestKeyframeCadence(t *testing.T) {
	// close wall sparse enough that close-point bookkeeping matters, backed
	// by a far wall to keep initialization above threshold
	scene := wallScene(200, 2.0, 105)
	far := wallScene(600, 4.0, 106)
	scene.blobs = append(scene.blobs, far.blobs...)

	tracker, mapper := newSimTracker(t, scene)
	img, depth := scene.render(spatial.NewSE3())
	for k := 0; k < 35; k++ {
		_, err := tracker.GrabImage(img, depth, float64(k)/30)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tracker.State(), test.ShouldEqual, StateOK)
	}
	// static scene: only the initial keyframe
	test.That(t, tracker.worldMap.KeyFramesInMap(), test.ShouldEqual, 1)
	test.That(t, len(mapper.inserted), test.ShouldEqual, 1)

	// wipe the texture of most of the close blobs
	scene.reseed(165.0/800.0, 107)
	img2, depth2 := scene.render(spatial.NewSE3())
	for k := 35; k < 38; k++ {
		_, err := tracker.GrabImage(img2, depth2, float64(k)/30)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tracker.State(), test.ShouldEqual, StateOK)
	}
	test.That(t, tracker.worldMap.KeyFramesInMap(), test.ShouldBeGreaterThanOrEqualTo, 2)
}

// TestKeyframeSkippedWhenQueueFull: a full mapper queue must skip creation,
// not block.
func TestKeyframeSkippedWhenQueueFull(t *testing.T) {
	scene := wallScene(200, 2.0, 108)
	far := wallScene(600, 4.0, 109)
	scene.blobs = append(scene.blobs, far.blobs...)
	tracker, mapper := newSimTracker(t, scene)

	img, depth := scene.render(spatial.NewSE3())
	for k := 0; k < 3; k++ {
		_, err := tracker.GrabImage(img, depth, float64(k)/30)
		test.That(t, err, test.ShouldBeNil)
	}
	mapper.queueFull = true
	scene.reseed(165.0/800.0, 110)
	img2, depth2 := scene.render(spatial.NewSE3())
	for k := 3; k < 6; k++ {
		_, err := tracker.GrabImage(img2, depth2, float64(k)/30)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tracker.State(), test.ShouldEqual, StateOK)
	}
	// initial keyframe only; later insertions were skipped without blocking
	test.That(t, tracker.worldMap.KeyFramesInMap(), test.ShouldEqual, 1)
}

// manhattanScene builds floor + two walls with texture anchored onto the
// planes.
func manhattanScene(seed int64) *simScene {
	intr := simIntrinsics()
	s := &simScene{
		intr: intr,
		planes: []simPlane{
			{n: r3.Vector{Y: 1}, d: -1},   // floor y = 1
			{n: r3.Vector{X: 1}, d: 1.5},  // wall x = -1.5
			{n: r3.Vector{Z: 1}, d: -3.5}, // back wall z = 3.5
		},
	}
	rnd := rand.New(rand.NewSource(seed))
	for len(s.blobs) < 900 {
		u := 10 + rnd.Float64()*620
		v := 10 + rnd.Float64()*460
		dir := intr.Unproject(u, v, 1)
		best := math.Inf(1)
		for _, pl := range s.planes {
			den := pl.n.Dot(dir)
			if math.Abs(den) < 1e-9 {
				continue
			}
			tHit := -pl.d / den
			if tHit > 0.1 && tHit < best {
				best = tHit
			}
		}
		if math.IsInf(best, 1) || best > 2.9 {
			continue // keep texture on close geometry for initialization
		}
		s.blobs = append(s.blobs, simBlob{world: dir.Mul(best), seed: rnd.Int63()})
	}
	return s
}

// TestManhattanAlignment: three orthogonal planes fix the dominant frame, and
// it contains the gravity direction.
func TestManhattanAlignment(t *testing.T) {
	scene := manhattanScene(111)
	tracker, _ := newSimTracker(t, scene)

	img, depth := scene.render(spatial.NewSE3())
	for k := 0; k < 2; k++ {
		_, err := tracker.GrabImage(img, depth, float64(k)/30)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tracker.State(), test.ShouldEqual, StateOK)
	}
	test.That(t, tracker.ManhattanFound(), test.ShouldBeTrue)

	r := tracker.ManhattanRotation()
	test.That(t, r, test.ShouldNotBeNil)
	// gravity (world +y) must align with one of the frame axes to within 1 deg
	bestCos := 0.0
	for c := 0; c < 3; c++ {
		cos := math.Abs(r.At(1, c))
		if cos > bestCos {
			bestCos = cos
		}
	}
	test.That(t, bestCos, test.ShouldBeGreaterThan, math.Cos(1*math.Pi/180))

	// tracking continues with the rotation prior active
	for k := 2; k < 5; k++ {
		_, err := tracker.GrabImage(img, depth, float64(k)/30)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tracker.State(), test.ShouldEqual, StateOK)
	}
}

func TestResetAndTrajectory(t *testing.T) {
	scene := wallScene(800, 2.0, 112)
	tracker, _ := newSimTracker(t, scene)
	img, depth := scene.render(spatial.NewSE3())
	for k := 0; k < 4; k++ {
		_, err := tracker.GrabImage(img, depth, float64(k)/30)
		test.That(t, err, test.ShouldBeNil)
	}
	var buf bytes.Buffer
	test.That(t, tracker.WriteTrajectory(&buf), test.ShouldBeNil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.That(t, len(lines), test.ShouldEqual, 4)
	for _, line := range lines {
		fields := strings.Fields(line)
		test.That(t, len(fields), test.ShouldEqual, 8)
	}

	tracker.Reset()
	_, err := tracker.GrabImage(img, depth, 5.0/30)
	test.That(t, err, test.ShouldBeNil)
	// reset cleared the trajectory; re-initialization tracked the new frame
	test.That(t, tracker.worldMap.KeyFramesInMap(), test.ShouldEqual, 1)
	test.That(t, len(tracker.Trajectory()), test.ShouldEqual, 1)
	test.That(t, tracker.State(), test.ShouldEqual, StateOK)
}

func TestNewFromSettingsValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	s := simSettings()
	s.Camera.Fx = -1
	_, err := NewFromSettings(s, nil, slammap.NewMap(), &kfdbStub{}, &mapperStub{}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewFromSettings(simSettings(), nil, nil, &kfdbStub{}, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewFromFile(t *testing.T) {
	contents := `Camera.fx: 500.0
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
DepthMapFactor: 1.0
ORBextractor.nFeatures: 1000
ORBextractor.scaleFactor: 1.2
ORBextractor.nLevels: 8
ORBextractor.iniThFAST: 12
ORBextractor.minThFAST: 5
Manhattan.verTh: 0.08716
Manhattan.disTh: 0.1
`
	path := filepath.Join(t.TempDir(), "settings.yaml")
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	logger := golog.NewTestLogger(t)
	tracker, err := New(path, nil, slammap.NewMap(), &kfdbStub{}, &mapperStub{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tracker.State(), test.ShouldEqual, StateNoImagesYet)
}
