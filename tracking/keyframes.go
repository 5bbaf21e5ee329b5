package tracking

import (
	"gonum.org/v1/gonum/floats"

	"go.viam.com/slamtrack/slammap"
)

// needNewKeyFrame decides whether the current frame should be promoted.
func (t *Tracker) needNewKeyFrame() bool {
	nKFs := t.worldMap.KeyFramesInMap()
	// do not insert right after a relocalization burst
	if t.curFrame.ID < t.lastRelocFrameID+int64(t.maxFrames) && nKFs > t.maxFrames {
		return false
	}
	minObs := 3
	if nKFs <= 2 {
		minObs = 2
	}
	refMatches := t.refKF.TrackedMapPoints(minObs)
	mapperIdle := t.localMapper.AcceptKeyFrames()

	// close points: tracked vs available
	trackedClose, nonTrackedClose := 0, 0
	for i := 0; i < t.curFrame.N(); i++ {
		if !t.curFrame.IsClose(i) {
			continue
		}
		if t.curFrame.MapPoints[i] != nil && !t.curFrame.Outliers[i] {
			trackedClose++
		} else {
			nonTrackedClose++
		}
	}
	needClose := trackedClose < 100 && nonTrackedClose > 70

	framesSinceKF := t.curFrame.ID - t.lastKeyFrameFrameID
	c1a := framesSinceKF >= int64(t.maxFrames)
	c1b := framesSinceKF >= int64(t.minFrames) && mapperIdle
	c1c := t.matchesInliers < refMatches/4 || needClose
	c2 := (float64(t.matchesInliers) < 0.9*float64(refMatches) || needClose) && t.matchesInliers > 15

	if !(c1a || c1b || c1c) || !c2 {
		return false
	}
	if mapperIdle {
		return true
	}
	t.localMapper.InterruptBA()
	return false
}

// createNewKeyFrame promotes the current frame, back-projects the closest
// untracked keypoints into new landmarks, and hands the keyframe to the local
// mapper. A full mapper queue skips creation for this frame.
func (t *Tracker) createNewKeyFrame() {
	if !t.localMapper.SetNotStop(true) {
		return
	}
	defer t.localMapper.SetNotStop(false)

	t.curFrame.ComputeBoW(t.vocab)
	kf := slammap.NewKeyFrame(t.curFrame)
	if !t.localMapper.InsertKeyFrame(kf) {
		t.logger.Debugw("local mapper queue full, skipping keyframe", "frame", t.curFrame.ID)
		return
	}
	t.worldMap.AddKeyFrame(kf)

	// bind surviving matches as observations
	for i, mp := range t.curFrame.MapPoints {
		if mp == nil || t.curFrame.Outliers[i] || mp.IsBad() || mp.Observations() == 0 {
			continue
		}
		mp.AddObservation(kf, i)
		kf.AddMapPoint(mp, i)
		mp.ComputeDistinctiveDescriptors()
		mp.UpdateNormalAndDepth()
	}

	// seed new landmarks from the closest untracked depth readings
	var depths []float64
	var indices []int
	for i := 0; i < t.curFrame.N(); i++ {
		z := t.curFrame.Depths[i]
		if z <= 0 {
			continue
		}
		mp := t.curFrame.MapPoints[i]
		if mp != nil && mp.Observations() > 0 {
			continue
		}
		depths = append(depths, z)
		indices = append(indices, i)
	}
	if len(depths) > 0 {
		order := make([]int, len(depths))
		floats.Argsort(depths, order)
		created := 0
		for k := range order {
			i := indices[order[k]]
			z := depths[k]
			if z > t.curFrame.ThDepth || created >= maxNewClosePoints {
				break
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
	}

	t.createLineLandmarks(kf)
	t.createPlaneLandmarks(kf)
	kf.UpdateConnections()
	if t.kfdb != nil {
		t.kfdb.Add(kf)
	}
	t.refKF = kf
	t.lastKeyFrameFrameID = t.curFrame.ID
	t.logger.Debugw("keyframe created", "keyframe", kf.ID, "frame", t.curFrame.ID)
}

// createLineLandmarks turns unmatched segments with valid endpoint depths
// into map lines observed by kf.
func (t *Tracker) createLineLandmarks(kf *slammap.KeyFrame) {
	for i, seg := range t.curFrame.Lines {
		if t.curFrame.MapLines[i] != nil {
			ml := t.curFrame.MapLines[i]
			if !ml.IsBad() && ml.Observations() > 0 {
				ml.AddObservation(kf, i)
				kf.AddMapLine(ml, i)
			}
			continue
		}
		zs, ze := t.curFrame.LineDepths[i][0], t.curFrame.LineDepths[i][1]
		if zs <= 0 || ze <= 0 || zs > t.curFrame.ThDepth || ze > t.curFrame.ThDepth {
			continue
		}
		start := t.curFrame.UnprojectPixel(seg.Start.X, seg.Start.Y, zs)
		end := t.curFrame.UnprojectPixel(seg.End.X, seg.End.Y, ze)
		ml := slammap.NewMapLine(start, end, t.curFrame.LineDescs[i])
		ml.AddObservation(kf, i)
		kf.AddMapLine(ml, i)
		t.worldMap.AddMapLine(ml)
		t.curFrame.MapLines[i] = ml
	}
}

// createPlaneLandmarks associates frame planes with map planes or creates new
// ones.
func (t *Tracker) createPlaneLandmarks(kf *slammap.KeyFrame) {
	camToWorld := t.curFrame.Pose().Inverse()
	for i, plane := range t.curFrame.Planes {
		existing := t.curFrame.MapPlanes[i]
		if existing == nil {
			existing = t.worldMap.RecognizePlane(plane, camToWorld, t.manhattan.verTh, t.manhattan.disTh)
		}
		if existing != nil {
			nw, dw := slammap.TransformPlane(plane.Normal, plane.D, camToWorld)
			existing.UpdateCoefficients(nw, dw, plane.Inliers)
			existing.AddObservation(kf, i)
			kf.AddMapPlane(existing, i)
			t.curFrame.MapPlanes[i] = existing
			continue
		}
		nw, dw := slammap.TransformPlane(plane.Normal, plane.D, camToWorld)
		mpl := slammap.NewMapPlane(nw, dw, plane.Inliers)
		mpl.AddObservation(kf, i)
		kf.AddMapPlane(mpl, i)
		t.worldMap.AddMapPlane(mpl)
		t.curFrame.MapPlanes[i] = mpl
	}
}
