// Package tracking implements the per-frame tracking core of the RGB-D SLAM
// system: frame ingest, the tracking-strategy cascade, local-map tracking,
// the keyframe policy, and the trajectory log. Mapping, loop closure, and
// visualization are collaborators behind the interfaces below.
package tracking

import "go.viam.com/slamtrack/slammap"

// LocalMapper is the background mapping collaborator. InsertKeyFrame is
// non-blocking: false means the queue is full and the keyframe was not
// accepted, in which case tracking skips keyframe creation for that frame.
type LocalMapper interface {
	InsertKeyFrame(kf *slammap.KeyFrame) bool
	AcceptKeyFrames() bool
	SetNotStop(stop bool) bool
	InterruptBA()
}

// KeyFrameDatabase indexes keyframes for place recognition. Relocalization is
// excluded from this core; the contract is kept for the future collaborator.
type KeyFrameDatabase interface {
	Add(kf *slammap.KeyFrame)
	DetectRelocalizationCandidates(f *slammap.Frame) []*slammap.KeyFrame
}
