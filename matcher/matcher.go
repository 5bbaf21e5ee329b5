// Package matcher implements descriptor matching between frames, keyframes,
// and the local map: by projection, by bag-of-words, and along epipolar
// lines, with the rotation-consistency filter applied throughout.
package matcher

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"go.viam.com/slamtrack/features"
	"go.viam.com/slamtrack/slammap"
)

// Hamming thresholds on 256-bit descriptors and the rotation histogram size.
const (
	THHigh      = 100
	THLow       = 50
	HistoLength = 30
)

// Matcher performs descriptor matching with a nearest-neighbor ratio test
// and an optional rotation-consistency check.
type Matcher struct {
	nnRatio          float64
	checkOrientation bool
}

// New returns a matcher. nnRatio gates best/second-best descriptor distance;
// checkOrientation enables the rotation histogram filter.
func New(nnRatio float64, checkOrientation bool) *Matcher {
	return &Matcher{nnRatio: nnRatio, checkOrientation: checkOrientation}
}

// RadiusByViewingCos returns the projection search radius for a viewing
// cosine: tight for head-on views, wide for oblique ones.
func RadiusByViewingCos(viewCos float64) float64 {
	if viewCos > 0.998 {
		return 2.5
	}
	return 4.0
}

// rotHistogram accumulates match indices binned by keypoint angle difference.
type rotHistogram struct {
	bins [HistoLength][]int
}

// add bins the angle difference a-b (degrees), normalized to [0, 360).
func (h *rotHistogram) add(angleA, angleB float64, idx int) {
	rot := angleA - angleB
	if rot < 0 {
		rot += 360
	}
	bin := int(math.Round(rot * HistoLength / 360))
	if bin == HistoLength {
		bin = 0
	}
	h.bins[bin] = append(h.bins[bin], idx)
}

// filter drops every match outside the three strongest bins; bins below 10%
// of the top bin do not count. The drop callback removes one match.
func (h *rotHistogram) filter(drop func(idx int)) int {
	ind1, ind2, ind3 := computeThreeMaxima(&h.bins)
	dropped := 0
	for i := 0; i < HistoLength; i++ {
		if i == ind1 || i == ind2 || i == ind3 {
			continue
		}
		for _, idx := range h.bins[i] {
			drop(idx)
			dropped++
		}
	}
	return dropped
}

func computeThreeMaxima(histo *[HistoLength][]int) (int, int, int) {
	max1, max2, max3 := 0, 0, 0
	ind1, ind2, ind3 := -1, -1, -1
	for i := 0; i < HistoLength; i++ {
		s := len(histo[i])
		switch {
		case s > max1:
			max3, max2, max1 = max2, max1, s
			ind3, ind2, ind1 = ind2, ind1, i
		case s > max2:
			max3, max2 = max2, s
			ind3, ind2 = ind2, i
		case s > max3:
			max3 = s
			ind3 = i
		}
	}
	if float64(max2) < 0.1*float64(max1) {
		ind2, ind3 = -1, -1
	} else if float64(max3) < 0.1*float64(max1) {
		ind3 = -1
	}
	return ind1, ind2, ind3
}

// SearchByProjectionLastFrame projects every landmark seen in lastFrame into
// the current frame and matches within a window of th (scaled per octave).
// Forward or backward motion along the optical axis restricts the octave
// range. Matches are written into cur.MapPoints; the match count is returned.
func (m *Matcher) SearchByProjectionLastFrame(cur, last *slammap.Frame, th float64) int {
	nmatches := 0
	var hist rotHistogram

	pose := cur.Pose()
	// translation of the current camera in the last camera's frame
	tlc := last.Pose().Apply(pose.Inverse().Translation())

	baseline := cur.Intr.Baseline()
	bForward := tlc.Z > baseline
	bBackward := -tlc.Z > baseline

	for i := 0; i < last.N(); i++ {
		mp := last.MapPoints[i]
		if mp == nil || last.Outliers[i] {
			continue
		}
		pc := pose.Apply(mp.WorldPos())
		if pc.Z <= 0 {
			continue
		}
		uv, ok := cur.Intr.Project(pc)
		if !ok || !cur.Intr.InImage(uv.X, uv.Y) {
			continue
		}
		lastOctave := last.KPs[i].Octave
		radius := th * cur.ScaleFactors[lastOctave]

		var indices []int
		switch {
		case bForward:
			indices = cur.GetFeaturesInArea(uv.X, uv.Y, radius, lastOctave, -1)
		case bBackward:
			indices = cur.GetFeaturesInArea(uv.X, uv.Y, radius, 0, lastOctave)
		default:
			indices = cur.GetFeaturesInArea(uv.X, uv.Y, radius, lastOctave-1, lastOctave+1)
		}
		if len(indices) == 0 {
			continue
		}
		desc := mp.Descriptor()
		bestDist := 256
		bestIdx := -1
		for _, idx := range indices {
			if existing := cur.MapPoints[idx]; existing != nil && existing.Observations() > 0 {
				continue
			}
			if cur.URight[idx] > 0 {
				ur := uv.X - cur.Intr.Bf/pc.Z
				if math.Abs(ur-cur.URight[idx]) > radius {
					continue
				}
			}
			dist := features.DescriptorDistance(desc, cur.Descs[idx])
			if dist < bestDist {
				bestDist = dist
				bestIdx = idx
			}
		}
		if bestDist <= THHigh {
			cur.MapPoints[bestIdx] = mp
			nmatches++
			if m.checkOrientation {
				hist.add(last.KPs[i].Angle, cur.KPs[bestIdx].Angle, bestIdx)
			}
		}
	}
	if m.checkOrientation {
		nmatches -= hist.filter(func(idx int) { cur.MapPoints[idx] = nil })
	}
	return nmatches
}

// SearchByProjectionLocal matches candidate local-map landmarks already
// flagged in-view against the current frame. The search radius follows the
// viewing cosine and predicted scale, widened by th.
func (m *Matcher) SearchByProjectionLocal(cur *slammap.Frame, points []*slammap.MapPoint, th float64) int {
	nmatches := 0
	useFactor := th != 1.0

	for _, mp := range points {
		if !mp.TrackInView || mp.IsBad() {
			continue
		}
		level := mp.TrackScaleLevel
		r := RadiusByViewingCos(mp.TrackViewCos)
		if useFactor {
			r *= th
		}
		radius := r * cur.ScaleFactors[level]
		indices := cur.GetFeaturesInArea(mp.TrackProjX, mp.TrackProjY, radius, level-1, level)
		if len(indices) == 0 {
			continue
		}
		desc := mp.Descriptor()
		bestDist, bestDist2 := 256, 256
		bestLevel, bestLevel2 := -1, -1
		bestIdx := -1
		for _, idx := range indices {
			if existing := cur.MapPoints[idx]; existing != nil && existing.Observations() > 0 {
				continue
			}
			if cur.URight[idx] > 0 {
				if math.Abs(mp.TrackProjXR-cur.URight[idx]) > radius {
					continue
				}
			}
			dist := features.DescriptorDistance(desc, cur.Descs[idx])
			if dist < bestDist {
				bestDist2 = bestDist
				bestDist = dist
				bestLevel2 = bestLevel
				bestLevel = cur.KPs[idx].Octave
				bestIdx = idx
			} else if dist < bestDist2 {
				bestLevel2 = cur.KPs[idx].Octave
				bestDist2 = dist
			}
		}
		// ratio applies only when best and runner-up share an octave
		if bestDist <= THHigh {
			if bestLevel == bestLevel2 && float64(bestDist) > m.nnRatio*float64(bestDist2) {
				continue
			}
			cur.MapPoints[bestIdx] = mp
			nmatches++
		}
	}
	return nmatches
}

// SearchByBoW matches keyframe landmarks against frame descriptors by walking
// both feature vectors jointly, comparing only within shared vocabulary
// nodes. Matches are returned as a slice parallel to the frame keypoints.
func (m *Matcher) SearchByBoW(kf *slammap.KeyFrame, f *slammap.Frame) ([]*slammap.MapPoint, int) {
	kfPoints := kf.MapPointMatches()
	matches := make([]*slammap.MapPoint, f.N())
	nmatches := 0
	var hist rotHistogram

	ikf, ifr := 0, 0
	for ikf < len(kf.FeatVec) && ifr < len(f.FeatVec) {
		nkf, nfr := kf.FeatVec[ikf], f.FeatVec[ifr]
		switch {
		case nkf.Node == nfr.Node:
			for _, idxKF := range nkf.Indices {
				mp := kfPoints[idxKF]
				if mp == nil || mp.IsBad() {
					continue
				}
				descKF := kf.Descs[idxKF]
				bestDist1, bestDist2 := 256, 256
				bestIdxF := -1
				for _, idxF := range nfr.Indices {
					if matches[idxF] != nil {
						continue
					}
					dist := features.DescriptorDistance(descKF, f.Descs[idxF])
					if dist < bestDist1 {
						bestDist2 = bestDist1
						bestDist1 = dist
						bestIdxF = idxF
					} else if dist < bestDist2 {
						bestDist2 = dist
					}
				}
				if bestDist1 <= THLow && float64(bestDist1) < m.nnRatio*float64(bestDist2) {
					matches[bestIdxF] = mp
					nmatches++
					if m.checkOrientation {
						hist.add(kf.KPs[idxKF].Angle, f.KPs[bestIdxF].Angle, bestIdxF)
					}
				}
			}
			ikf++
			ifr++
		case nkf.Node < nfr.Node:
			ikf++
		default:
			ifr++
		}
	}
	if m.checkOrientation {
		nmatches -= hist.filter(func(idx int) { matches[idx] = nil })
	}
	return matches, nmatches
}

// SearchByProjectionKeyFrame projects a keyframe's landmarks into the current
// frame, skipping alreadyFound, with a caller-chosen descriptor threshold.
// Kept for the relocalization contract.
func (m *Matcher) SearchByProjectionKeyFrame(
	cur *slammap.Frame,
	kf *slammap.KeyFrame,
	alreadyFound map[*slammap.MapPoint]bool,
	th float64,
	orbDist int,
) int {
	nmatches := 0
	var hist rotHistogram
	pose := cur.Pose()
	ow := pose.Inverse().Translation()

	kfPoints := kf.MapPointMatches()
	for i, mp := range kfPoints {
		if mp == nil || mp.IsBad() || alreadyFound[mp] {
			continue
		}
		pw := mp.WorldPos()
		pc := pose.Apply(pw)
		if pc.Z <= 0 {
			continue
		}
		uv, ok := cur.Intr.Project(pc)
		if !ok || !cur.Intr.InImage(uv.X, uv.Y) {
			continue
		}
		dist3D := pw.Sub(ow).Norm()
		minDist, maxDist := mp.DistanceInvariance()
		if dist3D < minDist || dist3D > maxDist {
			continue
		}
		level := mp.PredictScale(dist3D, len(cur.ScaleFactors), cur.ScaleFactors)
		radius := th * cur.ScaleFactors[level]
		indices := cur.GetFeaturesInArea(uv.X, uv.Y, radius, level-1, level+1)
		if len(indices) == 0 {
			continue
		}
		desc := mp.Descriptor()
		bestDist := 256
		bestIdx := -1
		for _, idx := range indices {
			if cur.MapPoints[idx] != nil {
				continue
			}
			d := features.DescriptorDistance(desc, cur.Descs[idx])
			if d < bestDist {
				bestDist = d
				bestIdx = idx
			}
		}
		if bestDist <= orbDist {
			cur.MapPoints[bestIdx] = mp
			nmatches++
			if m.checkOrientation {
				hist.add(kf.KPs[i].Angle, cur.KPs[bestIdx].Angle, bestIdx)
			}
		}
	}
	if m.checkOrientation {
		nmatches -= hist.filter(func(idx int) { cur.MapPoints[idx] = nil })
	}
	return nmatches
}

// CheckDistEpipolarLine verifies kp2 lies near the epipolar line of kp1 under
// the fundamental matrix F12, gated by the octave noise level of kf2.
func CheckDistEpipolarLine(kp1, kp2 features.KeyPoint, f12 *mat.Dense, kf2 *slammap.KeyFrame) bool {
	a := kp1.X*f12.At(0, 0) + kp1.Y*f12.At(1, 0) + f12.At(2, 0)
	b := kp1.X*f12.At(0, 1) + kp1.Y*f12.At(1, 1) + f12.At(2, 1)
	c := kp1.X*f12.At(0, 2) + kp1.Y*f12.At(1, 2) + f12.At(2, 2)
	num := a*kp2.X + b*kp2.Y + c
	den := a*a + b*b
	if den == 0 {
		return false
	}
	dsqr := num * num / den
	return dsqr < 3.84*kf2.LevelSigma2[kp2.Octave]
}

// SearchForTriangulation finds descriptor matches between two keyframes for
// landmark creation: untracked keypoints only, away from the epipole, within
// the epipolar gate. Returns (idx1, idx2) pairs.
func (m *Matcher) SearchForTriangulation(
	kf1, kf2 *slammap.KeyFrame,
	f12 *mat.Dense,
	onlyStereo bool,
) ([][2]int, int) {
	// epipole of camera 1 in image 2
	cw := kf1.CameraCenter()
	pose2 := kf2.Pose()
	c2 := pose2.Apply(cw)
	var ex, ey float64
	if c2.Z != 0 {
		invZ := 1.0 / c2.Z
		ex = kf2.Intr.Fx*c2.X*invZ + kf2.Intr.Ppx
		ey = kf2.Intr.Fy*c2.Y*invZ + kf2.Intr.Ppy
	}

	points1 := kf1.MapPointMatches()
	points2 := kf2.MapPointMatches()
	matched2 := make([]bool, len(kf2.KPs))
	matches12 := make([]int, len(kf1.KPs))
	for i := range matches12 {
		matches12[i] = -1
	}
	nmatches := 0
	var hist rotHistogram

	i1, i2 := 0, 0
	for i1 < len(kf1.FeatVec) && i2 < len(kf2.FeatVec) {
		n1, n2 := kf1.FeatVec[i1], kf2.FeatVec[i2]
		switch {
		case n1.Node == n2.Node:
			for _, idx1 := range n1.Indices {
				if points1[idx1] != nil {
					continue
				}
				stereo1 := kf1.URight[idx1] >= 0
				if onlyStereo && !stereo1 {
					continue
				}
				kp1 := kf1.KPs[idx1]
				d1 := kf1.Descs[idx1]
				bestDist := THLow
				bestIdx2 := -1
				for _, idx2 := range n2.Indices {
					if matched2[idx2] || points2[idx2] != nil {
						continue
					}
					stereo2 := kf2.URight[idx2] >= 0
					if onlyStereo && !stereo2 {
						continue
					}
					dist := features.DescriptorDistance(d1, kf2.Descs[idx2])
					if dist > THLow || dist > bestDist {
						continue
					}
					kp2 := kf2.KPs[idx2]
					if !stereo1 && !stereo2 {
						distex := ex - kp2.X
						distey := ey - kp2.Y
						if distex*distex+distey*distey < 100*kf2.ScaleFactors[kp2.Octave] {
							continue
						}
					}
					if CheckDistEpipolarLine(kp1, kp2, f12, kf2) {
						bestIdx2 = idx2
						bestDist = dist
					}
				}
				if bestIdx2 >= 0 {
					matches12[idx1] = bestIdx2
					matched2[bestIdx2] = true
					nmatches++
					if m.checkOrientation {
						hist.add(kp1.Angle, kf2.KPs[bestIdx2].Angle, idx1)
					}
				}
			}
			i1++
			i2++
		case n1.Node < n2.Node:
			i1++
		default:
			i2++
		}
	}
	if m.checkOrientation {
		nmatches -= hist.filter(func(idx int) { matches12[idx] = -1 })
	}

	pairs := make([][2]int, 0, nmatches)
	for idx1, idx2 := range matches12 {
		if idx2 >= 0 {
			pairs = append(pairs, [2]int{idx1, idx2})
		}
	}
	return pairs, nmatches
}

// Fuse projects landmarks into a keyframe and either attaches them to free
// keypoints or merges them with resident landmarks, keeping the better
// observed of the two.
func (m *Matcher) Fuse(kf *slammap.KeyFrame, points []*slammap.MapPoint, th float64) int {
	pose := kf.Pose()
	ow := kf.CameraCenter()
	nFused := 0

	for _, mp := range points {
		if mp == nil || mp.IsBad() || mp.IsInKeyFrame(kf) {
			continue
		}
		pw := mp.WorldPos()
		pc := pose.Apply(pw)
		if pc.Z < 0 {
			continue
		}
		uv, ok := kf.Intr.Project(pc)
		if !ok || !kf.IsInImage(uv.X, uv.Y) {
			continue
		}
		ur := uv.X - kf.Intr.Bf/pc.Z

		po := pw.Sub(ow)
		dist3D := po.Norm()
		minDist, maxDist := mp.DistanceInvariance()
		if dist3D < minDist || dist3D > maxDist {
			continue
		}
		// viewing angle under 60 degrees
		if po.Dot(mp.Normal()) < 0.5*dist3D {
			continue
		}
		level := mp.PredictScale(dist3D, len(kf.ScaleFactors), kf.ScaleFactors)
		radius := th * kf.ScaleFactors[level]
		indices := kf.GetFeaturesInArea(uv.X, uv.Y, radius, -1, -1)
		if len(indices) == 0 {
			continue
		}
		desc := mp.Descriptor()
		bestDist := 256
		bestIdx := -1
		for _, idx := range indices {
			kp := kf.KPs[idx]
			if kp.Octave < level-1 || kp.Octave > level {
				continue
			}
			var e2 float64
			if kf.URight[idx] >= 0 {
				ex := uv.X - kp.X
				ey := uv.Y - kp.Y
				er := ur - kf.URight[idx]
				e2 = ex*ex + ey*ey + er*er
				if e2*kf.InvLevelSigma2[kp.Octave] > 7.8 {
					continue
				}
			} else {
				ex := uv.X - kp.X
				ey := uv.Y - kp.Y
				e2 = ex*ex + ey*ey
				if e2*kf.InvLevelSigma2[kp.Octave] > 5.99 {
					continue
				}
			}
			dist := features.DescriptorDistance(desc, kf.Descs[idx])
			if dist < bestDist {
				bestDist = dist
				bestIdx = idx
			}
		}
		if bestDist <= THLow {
			if resident := kf.GetMapPoint(bestIdx); resident != nil {
				if !resident.IsBad() {
					if resident.Observations() > mp.Observations() {
						mp.Replace(resident)
					} else {
						resident.Replace(mp)
					}
				}
			} else {
				mp.AddObservation(kf, bestIdx)
				kf.AddMapPoint(mp, bestIdx)
			}
			nFused++
		}
	}
	return nFused
}
