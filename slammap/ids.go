// Package slammap holds the shared SLAM map entities: transient frames,
// durable keyframes, and the point, line, and plane landmarks they observe.
// Structural mutation of the map happens under the map's coarse lock;
// keyframes guard their own pose and observation slots.
package slammap

import "go.uber.org/atomic"

var (
	nextFrameID    = atomic.NewInt64(0)
	nextKeyFrameID = atomic.NewInt64(0)
	nextPointID    = atomic.NewInt64(0)
	nextLineID     = atomic.NewInt64(0)
	nextPlaneID    = atomic.NewInt64(0)
)
