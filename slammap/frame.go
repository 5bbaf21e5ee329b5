package slammap

import (
	"image"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/slamtrack/bow"
	"go.viam.com/slamtrack/camera"
	"go.viam.com/slamtrack/features"
	"go.viam.com/slamtrack/spatial"
)

// Frame is the transient per-image record the tracker works on. It is created
// on ingest, owned by the tracking thread, and retained as "last frame" for
// one subsequent iteration.
type Frame struct {
	ID        int64
	Timestamp float64

	Intr    *camera.Intrinsics
	ThDepth float64

	// KPs are undistorted keypoints; RawKPs keep the detector coordinates.
	KPs    []features.KeyPoint
	RawKPs []features.KeyPoint
	Descs  []features.Descriptor
	Depths []float64
	URight []float64

	Lines      []features.LineSegment
	LineDescs  []features.Descriptor
	LineDepths [][2]float64 // endpoint depths, 0 when unknown
	Planes     []features.Plane

	MapPoints    []*MapPoint
	Outliers     []bool
	MapLines     []*MapLine
	LineOutliers []bool
	MapPlanes    []*MapPlane

	BowVec  bow.Vector
	FeatVec bow.FeatureVector

	ScaleFactors   []float64
	LevelSigma2    []float64
	InvLevelSigma2 []float64

	pose *spatial.SE3
	grid *featureGrid
}

// FrameBuilder turns raw grayscale + depth images into tracker frames.
type FrameBuilder struct {
	Intrinsics *camera.Intrinsics
	Distortion *camera.BrownConrady
	ThDepth    float64
	Extractor  *features.Extractor
	Lines      *features.LineDetector
	PlaneSeg   *features.PlaneSegmenter
	Logger     golog.Logger
}

// Build extracts features, undistorts keypoints, derives virtual right
// coordinates from depth, and populates the grid index. A frame with zero
// keypoints is returned as-is; the caller treats it as a tracking failure.
func (b *FrameBuilder) Build(gray *image.Gray, depth *camera.DepthMap, timestamp float64) (*Frame, error) {
	if gray == nil || depth == nil {
		return nil, errors.New("frame builder needs both gray and depth images")
	}
	if gray.Bounds().Dx() != depth.Width() || gray.Bounds().Dy() != depth.Height() {
		return nil, errors.Errorf("gray and depth dimensions don't match Gray(%d,%d) != Depth(%d,%d)",
			gray.Bounds().Dx(), gray.Bounds().Dy(), depth.Width(), depth.Height())
	}
	kps, descs, err := b.Extractor.Extract(gray)
	if err != nil {
		return nil, err
	}
	f := &Frame{
		ID:             nextFrameID.Inc(),
		Timestamp:      timestamp,
		Intr:           b.Intrinsics,
		ThDepth:        b.ThDepth,
		RawKPs:         kps,
		Descs:          descs,
		ScaleFactors:   b.Extractor.ScaleFactors(),
		LevelSigma2:    b.Extractor.LevelSigma2(),
		InvLevelSigma2: b.Extractor.InvLevelSigma2(),
	}
	n := len(kps)
	f.KPs = make([]features.KeyPoint, n)
	f.Depths = make([]float64, n)
	f.URight = make([]float64, n)
	f.MapPoints = make([]*MapPoint, n)
	f.Outliers = make([]bool, n)
	for i, kp := range kps {
		und := b.Distortion.UndistortPixel(b.Intrinsics, r2.Point{X: kp.X, Y: kp.Y})
		ukp := kp
		ukp.X, ukp.Y = und.X, und.Y
		f.KPs[i] = ukp
		z := depth.At(int(math.Round(kp.X)), int(math.Round(kp.Y)))
		f.Depths[i] = z
		if z > 0 {
			f.URight[i] = und.X - b.Intrinsics.Bf/z
		} else {
			f.URight[i] = -1
		}
	}
	f.grid = newFeatureGrid(b.Intrinsics.Width, b.Intrinsics.Height, f.KPs)

	if b.Lines != nil {
		f.Lines, f.LineDescs = b.Lines.Detect(gray)
		f.MapLines = make([]*MapLine, len(f.Lines))
		f.LineOutliers = make([]bool, len(f.Lines))
		f.LineDepths = make([][2]float64, len(f.Lines))
		for i, seg := range f.Lines {
			f.LineDepths[i][0] = depth.At(int(math.Round(seg.Start.X)), int(math.Round(seg.Start.Y)))
			f.LineDepths[i][1] = depth.At(int(math.Round(seg.End.X)), int(math.Round(seg.End.Y)))
		}
	}
	if b.PlaneSeg != nil {
		f.Planes = b.PlaneSeg.Segment(depth, b.Intrinsics)
		f.MapPlanes = make([]*MapPlane, len(f.Planes))
	}
	if n == 0 && b.Logger != nil {
		b.Logger.Debugw("frame has no keypoints", "timestamp", timestamp)
	}
	return f, nil
}

// N returns the keypoint count.
func (f *Frame) N() int { return len(f.KPs) }

// SetPose sets the world-to-camera transform.
func (f *Frame) SetPose(p *spatial.SE3) { f.pose = p.Clone() }

// Pose returns the world-to-camera transform, or nil when not yet estimated.
func (f *Frame) Pose() *spatial.SE3 {
	if f.pose == nil {
		return nil
	}
	return f.pose.Clone()
}

// HasPose reports whether a pose has been set.
func (f *Frame) HasPose() bool { return f.pose != nil }

// CameraCenter returns the camera center in world coordinates.
func (f *Frame) CameraCenter() r3.Vector {
	return f.pose.Inverse().Translation()
}

// WorldToCamera transforms a world point into the camera frame.
func (f *Frame) WorldToCamera(p r3.Vector) r3.Vector {
	return f.pose.Apply(p)
}

// GetFeaturesInArea returns indices of undistorted keypoints within radius r
// of (u, v), restricted to octaves in [minOctave, maxOctave] (inclusive;
// negative disables a bound).
func (f *Frame) GetFeaturesInArea(u, v, r float64, minOctave, maxOctave int) []int {
	return f.grid.featuresInArea(f.KPs, u, v, r, minOctave, maxOctave)
}

// IsClose reports whether keypoint i has reliable (close) depth.
func (f *Frame) IsClose(i int) bool {
	return f.Depths[i] > 0 && f.Depths[i] < f.ThDepth
}

// UnprojectKeypoint back-projects keypoint i into world coordinates using its
// measured depth. Returns false when the keypoint has no depth.
func (f *Frame) UnprojectKeypoint(i int) (r3.Vector, bool) {
	z := f.Depths[i]
	if z <= 0 {
		return r3.Vector{}, false
	}
	pc := f.Intr.Unproject(f.KPs[i].X, f.KPs[i].Y, z)
	return f.pose.Inverse().Apply(pc), true
}

// UnprojectPixel back-projects an arbitrary pixel with depth z into world
// coordinates using the frame pose.
func (f *Frame) UnprojectPixel(u, v, z float64) r3.Vector {
	return f.pose.Inverse().Apply(f.Intr.Unproject(u, v, z))
}

// ComputeBoW fills the frame's BoW vectors if not already computed.
func (f *Frame) ComputeBoW(vocab bow.Vocabulary) {
	if f.BowVec != nil || vocab == nil {
		return
	}
	f.BowVec, f.FeatVec = vocab.Transform(f.Descs)
}

// IsInFrustum tests map point visibility from this frame: projection inside
// image bounds, positive depth, distance within the scale-invariance range,
// and viewing cosine above the limit. On success the point's tracking scratch
// fields are populated for the projection matcher.
func (f *Frame) IsInFrustum(mp *MapPoint, viewingCosLimit float64) bool {
	mp.TrackInView = false
	pw := mp.WorldPos()
	pc := f.pose.Apply(pw)
	if pc.Z <= 0 {
		return false
	}
	uv, ok := f.Intr.Project(pc)
	if !ok || !f.Intr.InImage(uv.X, uv.Y) {
		return false
	}
	po := pw.Sub(f.CameraCenter())
	dist := po.Norm()
	minDist, maxDist := mp.DistanceInvariance()
	if dist < minDist || dist > maxDist {
		return false
	}
	normal := mp.Normal()
	viewCos := po.Dot(normal) / dist
	if viewCos < viewingCosLimit {
		return false
	}
	level := mp.PredictScale(dist, len(f.ScaleFactors), f.ScaleFactors)
	mp.TrackInView = true
	mp.TrackProjX = uv.X
	mp.TrackProjY = uv.Y
	mp.TrackProjXR = uv.X - f.Intr.Bf/pc.Z
	mp.TrackScaleLevel = level
	mp.TrackViewCos = viewCos
	return true
}
