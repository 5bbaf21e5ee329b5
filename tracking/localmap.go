package tracking

import (
	"sort"

	"go.viam.com/slamtrack/matcher"
	"go.viam.com/slamtrack/optimize"
	"go.viam.com/slamtrack/slammap"
)

// trackLocalMap enlarges the visible map around the current pose, matches the
// local landmarks, and re-optimizes. The final inlier count decides success.
func (t *Tracker) trackLocalMap(prior *optimize.RotationPrior) bool {
	t.updateLocalKeyFrames()
	t.updateLocalPoints()
	t.updateLocalLines()
	t.searchLocalPoints()
	t.searchLocalLines()
	t.searchLocalPlanes()

	if _, err := optimize.PoseOptimization(t.curFrame, prior); err != nil {
		t.logger.Debugw("local-map pose optimization failed", "error", err)
		return false
	}

	t.matchesInliers = 0
	for i, mp := range t.curFrame.MapPoints {
		if mp == nil {
			continue
		}
		if !t.curFrame.Outliers[i] {
			mp.IncreaseFound(1)
			if t.onlyTracking {
				t.matchesInliers++
			} else if mp.Observations() > 0 {
				t.matchesInliers++
			}
		}
	}

	// stricter acceptance right after a relocalization burst
	if t.curFrame.ID < t.lastRelocFrameID+int64(t.maxFrames) && t.matchesInliers < 50 {
		return false
	}
	return t.matchesInliers >= 30
}

// updateLocalKeyFrames collects keyframes sharing landmarks with the current
// frame, their best covisible neighbors, and spanning-tree relatives, bounded
// to the most-shared set. The best-sharing keyframe becomes the reference.
func (t *Tracker) updateLocalKeyFrames() {
	counter := map[*slammap.KeyFrame]int{}
	for i, mp := range t.curFrame.MapPoints {
		if mp == nil {
			continue
		}
		if mp.IsBad() {
			t.curFrame.MapPoints[i] = nil
			continue
		}
		for kf := range mp.GetObservations() {
			counter[kf]++
		}
	}
	if len(counter) == 0 {
		return
	}

	var bestKF *slammap.KeyFrame
	best := 0
	included := map[int64]bool{}
	t.localKeyFrames = t.localKeyFrames[:0]
	add := func(kf *slammap.KeyFrame) bool {
		if kf == nil || kf.IsBad() || included[kf.ID] {
			return false
		}
		included[kf.ID] = true
		t.localKeyFrames = append(t.localKeyFrames, kf)
		return true
	}
	sharing := make([]*slammap.KeyFrame, 0, len(counter))
	for kf, n := range counter {
		if n > best {
			best = n
			bestKF = kf
		}
		sharing = append(sharing, kf)
	}
	// most-shared first, up to the bound
	sort.Slice(sharing, func(i, j int) bool { return counter[sharing[i]] > counter[sharing[j]] })
	for _, kf := range sharing {
		if len(t.localKeyFrames) >= maxLocalKeyFrames {
			break
		}
		add(kf)
	}
	// expand with neighbors, children, and parents until the bound
	for _, kf := range t.localKeyFrames {
		if len(t.localKeyFrames) > maxLocalKeyFrames {
			break
		}
		for _, neighbor := range kf.GetBestCovisibilityKeyFrames(10) {
			if add(neighbor) {
				break
			}
		}
		for _, child := range kf.Children() {
			if add(child) {
				break
			}
		}
		add(kf.Parent())
	}
	if bestKF != nil {
		t.refKF = bestKF
	}
}

// updateLocalPoints is the union of landmarks seen by the local keyframes.
func (t *Tracker) updateLocalPoints() {
	t.localMapPoints = t.localMapPoints[:0]
	for _, kf := range t.localKeyFrames {
		for _, mp := range kf.MapPointMatches() {
			if mp == nil || mp.IsBad() || mp.TrackRefFrame == t.curFrame.ID {
				continue
			}
			mp.TrackRefFrame = t.curFrame.ID
			t.localMapPoints = append(t.localMapPoints, mp)
		}
	}
}

// updateLocalLines mirrors updateLocalPoints for line landmarks.
func (t *Tracker) updateLocalLines() {
	t.localMapLines = t.localMapLines[:0]
	seen := map[int64]bool{}
	for _, kf := range t.localKeyFrames {
		for _, ml := range kf.MapLineMatches() {
			if ml == nil || ml.IsBad() || seen[ml.ID] {
				continue
			}
			seen[ml.ID] = true
			t.localMapLines = append(t.localMapLines, ml)
		}
	}
}

// searchLocalPoints visibility-tests local landmarks and matches those in
// view by projection.
func (t *Tracker) searchLocalPoints() {
	// landmarks already matched in the frame are not search candidates
	for i, mp := range t.curFrame.MapPoints {
		if mp == nil {
			continue
		}
		if mp.IsBad() {
			t.curFrame.MapPoints[i] = nil
			continue
		}
		mp.IncreaseVisible(1)
		mp.LastFrameSeen = t.curFrame.ID
		mp.TrackInView = false
	}
	toMatch := 0
	for _, mp := range t.localMapPoints {
		if mp.LastFrameSeen == t.curFrame.ID || mp.IsBad() {
			continue
		}
		if t.curFrame.IsInFrustum(mp, 0.5) {
			mp.IncreaseVisible(1)
			toMatch++
		}
	}
	if toMatch == 0 {
		return
	}
	th := 1.0
	if t.curFrame.ID < t.lastRelocFrameID+2 {
		th = 5.0
	}
	mm := matcher.New(0.8, true)
	mm.SearchByProjectionLocal(t.curFrame, t.localMapPoints, th)
}

// searchLocalPlanes associates the frame's detected planes with map planes
// under the current pose estimate.
func (t *Tracker) searchLocalPlanes() {
	if len(t.curFrame.Planes) == 0 || !t.curFrame.HasPose() {
		return
	}
	camToWorld := t.curFrame.Pose().Inverse()
	for i, plane := range t.curFrame.Planes {
		if t.curFrame.MapPlanes[i] != nil {
			continue
		}
		t.curFrame.MapPlanes[i] = t.worldMap.RecognizePlane(
			plane, camToWorld, t.manhattan.verTh, t.manhattan.disTh)
	}
}

// searchLocalLines projects local line landmarks and matches them against the
// frame's segments.
func (t *Tracker) searchLocalLines() {
	if len(t.localMapLines) == 0 || len(t.curFrame.Lines) == 0 {
		return
	}
	pose := t.curFrame.Pose()
	candidates := t.localMapLines[:0:0]
	for _, ml := range t.localMapLines {
		ml.TrackInView = false
		if ml.IsBad() {
			continue
		}
		start, end := ml.Endpoints()
		sc := pose.Apply(start)
		ec := pose.Apply(end)
		if sc.Z <= 0 || ec.Z <= 0 {
			continue
		}
		suv, ok1 := t.curFrame.Intr.Project(sc)
		euv, ok2 := t.curFrame.Intr.Project(ec)
		if !ok1 || !ok2 {
			continue
		}
		if !t.curFrame.Intr.InImage(suv.X, suv.Y) && !t.curFrame.Intr.InImage(euv.X, euv.Y) {
			continue
		}
		ml.TrackInView = true
		ml.TrackProjSX, ml.TrackProjSY = suv.X, suv.Y
		ml.TrackProjEX, ml.TrackProjEY = euv.X, euv.Y
		candidates = append(candidates, ml)
	}
	if len(candidates) == 0 {
		return
	}
	mm := matcher.New(0.8, true)
	mm.SearchLinesByProjection(t.curFrame, candidates)
}
