package tracking

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"go.viam.com/slamtrack/slammap"
	"go.viam.com/slamtrack/spatial"
)

// TrajectoryEntry records one frame's pose relative to its reference
// keyframe, so mapping-side keyframe adjustments propagate to the trajectory.
type TrajectoryEntry struct {
	Relative  *spatial.SE3
	Ref       *slammap.KeyFrame
	Timestamp float64
	Lost      bool
}

// Trajectory returns a copy of the per-frame trajectory log.
func (t *Tracker) Trajectory() []TrajectoryEntry {
	out := make([]TrajectoryEntry, len(t.trajectory))
	copy(out, t.trajectory)
	return out
}

// WriteTrajectory emits one line per frame in TUM format:
// timestamp tx ty tz qx qy qz qw (camera-to-world).
func (t *Tracker) WriteTrajectory(w io.Writer) error {
	for _, e := range t.trajectory {
		if e.Ref == nil {
			continue
		}
		tcw := e.Relative.Compose(e.Ref.Pose())
		twc := tcw.Inverse()
		tr := twc.Translation()
		q := twc.Quaternion()
		_, err := fmt.Fprintf(w, "%.6f %.9f %.9f %.9f %.9f %.9f %.9f %.9f\n",
			e.Timestamp, tr.X, tr.Y, tr.Z, q.Imag, q.Jmag, q.Kmag, q.Real)
		if err != nil {
			return errors.Wrap(err, "error writing trajectory")
		}
	}
	return nil
}
