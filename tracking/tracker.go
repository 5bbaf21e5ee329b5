package tracking

import (
	"image"
	"sort"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/slamtrack/bow"
	"go.viam.com/slamtrack/camera"
	"go.viam.com/slamtrack/features"
	"go.viam.com/slamtrack/matcher"
	"go.viam.com/slamtrack/optimize"
	"go.viam.com/slamtrack/slammap"
	"go.viam.com/slamtrack/spatial"
)

// State is the tracking state machine state.
type State int

// Tracking states, in lifecycle order.
const (
	StateSystemNotReady State = iota
	StateNoImagesYet
	StateNotInitialized
	StateOK
	StateLost
)

func (s State) String() string {
	switch s {
	case StateSystemNotReady:
		return "SYSTEM_NOT_READY"
	case StateNoImagesYet:
		return "NO_IMAGES_YET"
	case StateNotInitialized:
		return "NOT_INITIALIZED"
	case StateOK:
		return "OK"
	default:
		return "LOST"
	}
}

const (
	// minInitKeypoints gates stereo initialization.
	minInitKeypoints = 500
	// maxLocalKeyFrames bounds the covisibility working set.
	maxLocalKeyFrames = 80
	// maxNewClosePoints caps depth-seeded landmarks per keyframe.
	maxNewClosePoints = 100
	// minMatchesMotion / minMatchesBoW gate the matching stages.
	minMatchesMotion = 20
	minMatchesBoW    = 15
	// minInliersTrack accepts a strategy's optimized pose.
	minInliersTrack = 10
	// manhattanPriorWeight is the soft rotation-prior information.
	manhattanPriorWeight = 500.0
)

// Tracker estimates the camera pose of each incoming RGB-D frame and feeds
// keyframes to the local mapper. It runs on a single dedicated thread;
// GrabImage must not be called concurrently.
type Tracker struct {
	logger   golog.Logger
	settings *camera.Settings
	builder  *slammap.FrameBuilder
	vocab    bow.Vocabulary

	worldMap    *slammap.Map
	kfdb        KeyFrameDatabase
	localMapper LocalMapper

	state              State
	lastProcessedState State

	curFrame  *slammap.Frame
	lastFrame *slammap.Frame
	refKF     *slammap.KeyFrame

	localKeyFrames []*slammap.KeyFrame
	localMapPoints []*slammap.MapPoint
	localMapLines  []*slammap.MapLine

	velocity       *spatial.SE3
	matchesInliers int

	minFrames int
	maxFrames int

	onlyTracking bool
	vo           bool

	lastKeyFrameFrameID int64
	lastRelocFrameID    int64

	temporalPoints []*slammap.MapPoint
	temporalLines  []*slammap.MapLine

	manhattan manhattanState

	trajectory     []TrajectoryEntry
	resetRequested *atomic.Bool
}

// New constructs a tracker from a settings file and its collaborators.
// Configuration errors are fatal here and never surface during streaming.
func New(
	settingsPath string,
	vocab bow.Vocabulary,
	worldMap *slammap.Map,
	kfdb KeyFrameDatabase,
	localMapper LocalMapper,
	logger golog.Logger,
) (*Tracker, error) {
	settings, err := camera.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	return NewFromSettings(settings, vocab, worldMap, kfdb, localMapper, logger)
}

// NewFromSettings constructs a tracker from parsed settings.
func NewFromSettings(
	settings *camera.Settings,
	vocab bow.Vocabulary,
	worldMap *slammap.Map,
	kfdb KeyFrameDatabase,
	localMapper LocalMapper,
	logger golog.Logger,
) (*Tracker, error) {
	if worldMap == nil || localMapper == nil {
		return nil, errors.New("tracker needs a map and a local mapper")
	}
	intr := settings.Intrinsics()
	if err := intr.CheckValid(); err != nil {
		return nil, err
	}
	extractor, err := features.NewExtractor(features.ExtractorConfig{
		NFeatures:   settings.ORBExtractor.NFeatures,
		ScaleFactor: settings.ORBExtractor.ScaleFactor,
		NLevels:     settings.ORBExtractor.NLevels,
		IniThFAST:   settings.ORBExtractor.IniThFAST,
		MinThFAST:   settings.ORBExtractor.MinThFAST,
	})
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		logger:   logger,
		settings: settings,
		vocab:    vocab,
		builder: &slammap.FrameBuilder{
			Intrinsics: intr,
			Distortion: settings.Distortion(),
			ThDepth:    settings.ThDepth,
			Extractor:  extractor,
			Lines:      features.NewLineDetector(features.DefaultLineDetectorConfig()),
			PlaneSeg:   features.NewPlaneSegmenter(features.DefaultPlaneSegmenterConfig()),
			Logger:     logger,
		},
		worldMap:    worldMap,
		kfdb:        kfdb,
		localMapper: localMapper,
		state:       StateNoImagesYet,
		minFrames:   0,
		maxFrames:   int(settings.Camera.FPS),
		manhattan: manhattanState{
			verTh: settings.Manhattan.VerTh,
			disTh: settings.Manhattan.DisTh,
		},
		resetRequested: atomic.NewBool(false),
	}
	return t, nil
}

// State returns the current tracking state.
func (t *Tracker) State() State { return t.state }

// LastProcessedState returns the state observed at the top of the last frame.
func (t *Tracker) LastProcessedState() State { return t.lastProcessedState }

// MatchesInliers returns the inlier count of the last tracked frame.
func (t *Tracker) MatchesInliers() int { return t.matchesInliers }

// SetOnlyTracking toggles localization-only mode: no keyframes are created
// and the map is left untouched.
func (t *Tracker) SetOnlyTracking(only bool) { t.onlyTracking = only }

// Reset requests a cooperative reset, honored at the top of the next frame.
func (t *Tracker) Reset() { t.resetRequested.Store(true) }

// GrabImage ingests one RGB-D frame and returns the estimated world-to-camera
// pose. On LOST (or before initialization) the identity transform is
// returned.
func (t *Tracker) GrabImage(color image.Image, depthRaw []float32, timestamp float64) (*spatial.SE3, error) {
	intr := t.builder.Intrinsics
	depth, err := camera.NewDepthMapFromRaw(depthRaw, intr.Width, intr.Height, t.settings.DepthMapFactor)
	if err != nil {
		return nil, err
	}
	return t.grab(camera.MakeGray(color), depth, timestamp)
}

// GrabImageRaw ingests packed 8-bit color honoring the configured RGB/BGR
// order plus raw depth readings.
func (t *Tracker) GrabImageRaw(color []byte, depthRaw []float32, timestamp float64) (*spatial.SE3, error) {
	intr := t.builder.Intrinsics
	gray, err := camera.GrayFromRaw(color, intr.Width, intr.Height, t.settings.ColorOrder())
	if err != nil {
		return nil, err
	}
	depth, err := camera.NewDepthMapFromRaw(depthRaw, intr.Width, intr.Height, t.settings.DepthMapFactor)
	if err != nil {
		return nil, err
	}
	return t.grab(gray, depth, timestamp)
}

func (t *Tracker) grab(gray *image.Gray, depth *camera.DepthMap, timestamp float64) (*spatial.SE3, error) {
	if t.resetRequested.CompareAndSwap(true, false) {
		t.doReset()
	}
	f, err := t.builder.Build(gray, depth, timestamp)
	if err != nil {
		return nil, err
	}
	t.curFrame = f
	t.track()
	if t.curFrame.HasPose() && t.state == StateOK {
		return t.curFrame.Pose(), nil
	}
	return spatial.NewSE3(), nil
}

func (t *Tracker) doReset() {
	t.logger.Info("tracker reset")
	t.localMapper.InterruptBA()
	t.worldMap.Clear()
	t.state = StateNoImagesYet
	t.lastProcessedState = StateNoImagesYet
	t.velocity = nil
	t.refKF = nil
	t.lastFrame = nil
	t.localKeyFrames = nil
	t.localMapPoints = nil
	t.localMapLines = nil
	t.temporalPoints = nil
	t.temporalLines = nil
	t.trajectory = nil
	t.manhattan.reset()
	t.lastKeyFrameFrameID = 0
	t.lastRelocFrameID = 0
}

// track runs the per-frame state machine.
func (t *Tracker) track() {
	if t.state == StateNoImagesYet {
		t.state = StateNotInitialized
	}
	t.lastProcessedState = t.state

	if t.state == StateNotInitialized || t.state == StateLost {
		if t.state == StateLost {
			// recovery by re-initialization; relocalization is a future
			// collaborator
			t.logger.Debug("attempting re-initialization after loss")
		}
		t.stereoInitialization()
		t.finishFrame()
		return
	}

	var ok bool
	if !t.onlyTracking {
		t.checkReplacedInLastFrame()
		ok = t.runCascade()
	} else {
		ok = t.trackOnlyLocalization()
	}

	prior := t.manhattan.prior(t.curFrame)
	if ok && !(t.onlyTracking && t.vo) {
		ok = t.trackLocalMap(prior)
	}

	if ok {
		t.state = StateOK
	} else {
		t.state = StateLost
		t.logger.Infow("tracking lost", "frame", t.curFrame.ID, "timestamp", t.curFrame.Timestamp)
	}

	if ok {
		t.manhattan.observe(t.curFrame)
		// motion model
		if t.lastFrame != nil && t.lastFrame.HasPose() {
			t.velocity = t.curFrame.Pose().Compose(t.lastFrame.Pose().Inverse())
		} else {
			t.velocity = nil
		}
		// temporal VO points never outlive the frame that used them
		t.clearTemporal()
		if !t.onlyTracking && t.needNewKeyFrame() {
			t.createNewKeyFrame()
		}
		// outlier associations do not carry into the next frame
		for i := range t.curFrame.MapPoints {
			if t.curFrame.MapPoints[i] != nil && t.curFrame.Outliers[i] {
				t.curFrame.MapPoints[i] = nil
				t.curFrame.Outliers[i] = false
			}
		}
	} else {
		t.velocity = nil
	}
	t.finishFrame()
}

// finishFrame appends the trajectory entry and rotates frame state.
func (t *Tracker) finishFrame() {
	lost := t.state != StateOK
	switch {
	case !lost && t.curFrame.HasPose() && t.refKF != nil:
		rel := t.curFrame.Pose().Compose(t.refKF.Pose().Inverse())
		t.trajectory = append(t.trajectory, TrajectoryEntry{
			Relative:  rel,
			Ref:       t.refKF,
			Timestamp: t.curFrame.Timestamp,
		})
	case len(t.trajectory) > 0:
		// carry the last relative pose through the loss
		last := t.trajectory[len(t.trajectory)-1]
		last.Timestamp = t.curFrame.Timestamp
		last.Lost = true
		t.trajectory = append(t.trajectory, last)
	}
	t.lastFrame = t.curFrame
}

// stereoInitialization seeds the map from a single RGB-D frame.
func (t *Tracker) stereoInitialization() {
	if t.curFrame.N() < minInitKeypoints {
		return
	}
	t.curFrame.SetPose(spatial.NewSE3())
	t.curFrame.ComputeBoW(t.vocab)

	kf := slammap.NewKeyFrame(t.curFrame)
	t.worldMap.AddKeyFrame(kf)

	created := 0
	for i := 0; i < t.curFrame.N(); i++ {
		if !t.curFrame.IsClose(i) {
			continue
		}
		pw, ok := t.curFrame.UnprojectKeypoint(i)
		if !ok {
			continue
		}
		mp := slammap.NewMapPoint(pw, kf, t.curFrame.Descs[i])
		mp.AddObservation(kf, i)
		kf.AddMapPoint(mp, i)
		mp.SetNormalAndDepthForInit(kf.CameraCenter(), t.curFrame.KPs[i].Octave, t.curFrame.ScaleFactors)
		t.worldMap.AddMapPoint(mp)
		t.curFrame.MapPoints[i] = mp
		created++
	}
	t.createLineLandmarks(kf)
	t.createPlaneLandmarks(kf)

	if t.kfdb != nil {
		t.kfdb.Add(kf)
	}
	if !t.localMapper.InsertKeyFrame(kf) {
		t.logger.Warn("local mapper rejected the initial keyframe")
	}
	t.refKF = kf
	t.lastKeyFrameFrameID = t.curFrame.ID
	t.velocity = nil
	t.state = StateOK
	t.logger.Infow("map initialized", "points", created, "keyframe", kf.ID)
}

// trackStrategy is one entry in the tracking cascade: tried in order, the
// first applicable strategy that succeeds wins.
type trackStrategy struct {
	name       string
	applicable func() bool
	run        func() bool
}

// runCascade tries the tracking strategies in order and short-circuits on the
// first success. Relocalization would slot in here as a third entry.
func (t *Tracker) runCascade() bool {
	cascade := []trackStrategy{
		{
			name:       "motion-model",
			applicable: func() bool { return t.velocity != nil },
			run:        t.trackWithMotionModel,
		},
		{
			name:       "reference-keyframe",
			applicable: func() bool { return t.refKF != nil },
			run:        t.trackReferenceKeyFrame,
		},
	}
	for _, s := range cascade {
		if !s.applicable() {
			continue
		}
		if s.run() {
			return true
		}
		t.logger.Debugw("tracking strategy failed", "strategy", s.name, "frame", t.curFrame.ID)
	}
	return false
}

// checkReplacedInLastFrame swaps last-frame landmarks that mapping replaced.
func (t *Tracker) checkReplacedInLastFrame() {
	if t.lastFrame == nil {
		return
	}
	for i, mp := range t.lastFrame.MapPoints {
		if mp == nil {
			continue
		}
		if rep := mp.GetReplaced(); rep != nil {
			t.lastFrame.MapPoints[i] = rep
		}
	}
	for i, ml := range t.lastFrame.MapLines {
		if ml == nil {
			continue
		}
		if rep := ml.GetReplaced(); rep != nil {
			t.lastFrame.MapLines[i] = rep
		}
	}
}

// trackWithMotionModel predicts the pose from the constant-velocity model and
// matches last-frame landmarks by projection.
func (t *Tracker) trackWithMotionModel() bool {
	t.updateLastFrame()
	t.curFrame.SetPose(t.velocity.Compose(t.lastFrame.Pose()))
	for i := range t.curFrame.MapPoints {
		t.curFrame.MapPoints[i] = nil
	}

	mm := matcher.New(0.9, true)
	th := 7.0
	nmatches := mm.SearchByProjectionLastFrame(t.curFrame, t.lastFrame, th)
	if nmatches < minMatchesMotion {
		for i := range t.curFrame.MapPoints {
			t.curFrame.MapPoints[i] = nil
		}
		nmatches = mm.SearchByProjectionLastFrame(t.curFrame, t.lastFrame, 15)
	}
	if nmatches < minMatchesMotion {
		return false
	}

	if _, err := optimize.PoseOptimization(t.curFrame, nil); err != nil {
		t.logger.Debugw("motion-model pose optimization failed", "error", err)
		return false
	}
	nmatchesMap := t.discardOutliers()
	if t.onlyTracking {
		t.vo = nmatchesMap < 10
		return nmatches > minMatchesMotion
	}
	return nmatchesMap >= minInliersTrack
}

// trackReferenceKeyFrame matches against the reference keyframe via BoW and
// optimizes from the last frame's pose.
func (t *Tracker) trackReferenceKeyFrame() bool {
	if t.refKF == nil || t.lastFrame == nil || !t.lastFrame.HasPose() {
		return false
	}
	t.curFrame.ComputeBoW(t.vocab)
	mm := matcher.New(0.7, true)
	matches, nmatches := mm.SearchByBoW(t.refKF, t.curFrame)
	if nmatches < minMatchesBoW {
		return false
	}
	copy(t.curFrame.MapPoints, matches)
	t.curFrame.SetPose(t.lastFrame.Pose())

	if _, err := optimize.PoseOptimization(t.curFrame, nil); err != nil {
		t.logger.Debugw("reference-keyframe pose optimization failed", "error", err)
		return false
	}
	nmatchesMap := t.discardOutliers()
	return nmatchesMap >= minInliersTrack
}

// trackOnlyLocalization is the mbOnlyTracking branch: the map is frozen and
// temporal depth points carry tracking through map-sparse stretches.
func (t *Tracker) trackOnlyLocalization() bool {
	if t.state == StateLost {
		return false
	}
	if !t.vo {
		if t.velocity != nil {
			if t.trackWithMotionModel() {
				return true
			}
		}
		return t.trackReferenceKeyFrame()
	}
	// visual odometry: lean on the motion model alone until the map returns
	if t.velocity == nil {
		return false
	}
	return t.trackWithMotionModel()
}

// discardOutliers drops outlier associations from the current frame and
// returns the count of surviving matches to mapped landmarks.
func (t *Tracker) discardOutliers() int {
	nmatchesMap := 0
	for i, mp := range t.curFrame.MapPoints {
		if mp == nil {
			continue
		}
		if t.curFrame.Outliers[i] {
			t.curFrame.MapPoints[i] = nil
			t.curFrame.Outliers[i] = false
			mp.TrackInView = false
			mp.LastFrameSeen = t.curFrame.ID
			continue
		}
		if mp.Observations() > 0 {
			nmatchesMap++
		}
	}
	return nmatchesMap
}

// updateLastFrame re-anchors the last frame on its (possibly adjusted)
// reference keyframe, and in localization-only mode tops it up with temporal
// close points straight from depth.
func (t *Tracker) updateLastFrame() {
	if t.lastFrame == nil || len(t.trajectory) == 0 {
		return
	}
	last := t.trajectory[len(t.trajectory)-1]
	if last.Ref != nil && !last.Lost {
		t.lastFrame.SetPose(last.Relative.Compose(last.Ref.Pose()))
	}
	if t.lastKeyFrameFrameID == t.lastFrame.ID || !t.onlyTracking {
		return
	}
	// sort untracked depth readings near to far
	type depthIdx struct {
		z float64
		i int
	}
	var candidates []depthIdx
	for i := 0; i < t.lastFrame.N(); i++ {
		if t.lastFrame.Depths[i] <= 0 {
			continue
		}
		mp := t.lastFrame.MapPoints[i]
		if mp == nil || mp.Observations() < 1 {
			candidates = append(candidates, depthIdx{t.lastFrame.Depths[i], i})
		}
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].z < candidates[b].z })
	created := 0
	for _, c := range candidates {
		if c.z > t.lastFrame.ThDepth && created >= maxNewClosePoints {
			break
		}
		pw, ok := t.lastFrame.UnprojectKeypoint(c.i)
		if !ok {
			continue
		}
		mp := slammap.NewMapPoint(pw, nil, t.lastFrame.Descs[c.i])
		t.lastFrame.MapPoints[c.i] = mp
		t.temporalPoints = append(t.temporalPoints, mp)
		created++
	}
}

func (t *Tracker) clearTemporal() {
	for _, mp := range t.temporalPoints {
		mp.SetBadFlag()
	}
	for _, ml := range t.temporalLines {
		ml.SetBadFlag()
	}
	t.temporalPoints = t.temporalPoints[:0]
	t.temporalLines = t.temporalLines[:0]
}
