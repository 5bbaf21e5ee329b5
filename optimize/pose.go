// Package optimize implements motion-only bundle adjustment: the current
// frame's pose is refined by robust nonlinear least squares over point, line,
// and plane residuals while all landmarks stay fixed.
package optimize

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/slamtrack/slammap"
	"go.viam.com/slamtrack/spatial"
)

// Chi-square gates at 95% confidence for 2-dof and 3-dof residuals, and the
// per-endpoint gate for line residuals.
const (
	chi2Mono   = 5.991
	chi2Stereo = 7.815
	chi2Line   = 3.84
	chi2Plane  = 7.815
)

// Plane residual information weights: unit-normal components and offset
// meters.
const (
	planeAngleInfo  = 100.0
	planeOffsetInfo = 100.0
)

const (
	rounds         = 4
	itersPerRound  = 10
	huberRounds    = 2
	initialLambda  = 1e-4
	maxLambdaSteps = 6
)

// ErrDegenerate is returned when the normal equations cannot be solved; the
// caller treats the pose as unusable and falls back to the next strategy.
var ErrDegenerate = errors.New("degenerate geometry in pose optimization")

// RotationPrior softly constrains the optimized rotation toward a detected
// dominant frame (e.g. Manhattan). It never replaces the solution.
type RotationPrior struct {
	Rotation *mat.Dense
	Weight   float64
}

type edgeKind int

const (
	edgeMono edgeKind = iota
	edgeStereo
	edgeLine
	edgePlane
)

type edge struct {
	kind edgeKind
	idx  int // slot in the frame (keypoint, line, or plane index)

	world    r3.Vector
	obsU     float64
	obsV     float64
	obsUR    float64
	invSigma float64

	// line edges: observed image line, one endpoint per edge in world
	lineA, lineB, lineC float64

	// plane edges
	obsNormal r3.Vector
	obsD      float64
	mapNormal r3.Vector
	mapD      float64

	excluded bool
}

// problem is one motion-only optimization over a frame's edges.
type problem struct {
	edges              []edge
	fx, fy, cx, cy, bf float64
	prior              *RotationPrior
}

// PoseOptimization refines f's pose in place over 4 rounds of
// Levenberg-Marquardt, flagging outliers on the frame between rounds.
// Returns the surviving point-match inlier count.
func PoseOptimization(f *slammap.Frame, prior *RotationPrior) (int, error) {
	p := &problem{
		fx: f.Intr.Fx, fy: f.Intr.Fy,
		cx: f.Intr.Ppx, cy: f.Intr.Ppy,
		bf:    f.Intr.Bf,
		prior: prior,
	}
	p.buildEdges(f)
	if len(p.edges) < 3 {
		return 0, nil
	}
	pose := f.Pose()
	if pose == nil {
		return 0, errors.New("frame has no initial pose")
	}

	for round := 0; round < rounds; round++ {
		useHuber := round < huberRounds
		var err error
		pose, err = p.minimize(pose, useHuber)
		if err != nil {
			return 0, err
		}
		// re-test every edge against its gate at the refined pose
		for i := range p.edges {
			e := &p.edges[i]
			bad := p.edgeChi2(e, pose) > gateFor(e.kind)
			e.excluded = bad
			switch e.kind {
			case edgeMono, edgeStereo:
				f.Outliers[e.idx] = bad
			case edgeLine:
				f.LineOutliers[e.idx] = bad
			case edgePlane:
			}
		}
	}
	// orthonormality drifts over many increments; project back onto SO(3)
	r, err := spatial.Orthonormalize(pose.Rotation())
	if err != nil {
		return 0, ErrDegenerate
	}
	f.SetPose(spatial.NewSE3FromParts(r, pose.Translation()))

	inliers := 0
	for i, mp := range f.MapPoints {
		if mp != nil && !f.Outliers[i] {
			inliers++
		}
	}
	return inliers, nil
}

func gateFor(kind edgeKind) float64 {
	switch kind {
	case edgeMono:
		return chi2Mono
	case edgeStereo:
		return chi2Stereo
	case edgeLine:
		return chi2Line
	default:
		return chi2Plane
	}
}

func (p *problem) buildEdges(f *slammap.Frame) {
	for i, mp := range f.MapPoints {
		if mp == nil || mp.IsBad() {
			continue
		}
		e := edge{
			idx:      i,
			world:    mp.WorldPos(),
			obsU:     f.KPs[i].X,
			obsV:     f.KPs[i].Y,
			invSigma: f.InvLevelSigma2[f.KPs[i].Octave],
		}
		if f.URight[i] >= 0 {
			e.kind = edgeStereo
			e.obsUR = f.URight[i]
		} else {
			e.kind = edgeMono
		}
		f.Outliers[i] = false
		p.edges = append(p.edges, e)
	}
	for i, ml := range f.MapLines {
		if ml == nil || ml.IsBad() {
			continue
		}
		a, b, c := f.Lines[i].Equation()
		if a == 0 && b == 0 {
			continue
		}
		start, end := ml.Endpoints()
		for _, endpoint := range []r3.Vector{start, end} {
			p.edges = append(p.edges, edge{
				kind: edgeLine, idx: i,
				world: endpoint,
				lineA: a, lineB: b, lineC: c,
				invSigma: 1,
			})
		}
		f.LineOutliers[i] = false
	}
	for i, mpl := range f.MapPlanes {
		if mpl == nil || mpl.IsBad() {
			continue
		}
		n, d := mpl.Coefficients()
		p.edges = append(p.edges, edge{
			kind: edgePlane, idx: i,
			obsNormal: f.Planes[i].Normal,
			obsD:      f.Planes[i].D,
			mapNormal: n,
			mapD:      d,
		})
	}
}

func (p *problem) project(pc r3.Vector) (float64, float64) {
	return p.fx*pc.X/pc.Z + p.cx, p.fy*pc.Y/pc.Z + p.cy
}

// edgeResidual evaluates the residual vector and per-row information weights.
func (p *problem) edgeResidual(e *edge, pose *spatial.SE3) ([]float64, []float64) {
	switch e.kind {
	case edgeMono, edgeStereo:
		pc := pose.Apply(e.world)
		if pc.Z <= 1e-9 {
			// behind the camera: huge residual, gated out next round
			if e.kind == edgeMono {
				return []float64{1e4, 1e4}, []float64{e.invSigma, e.invSigma}
			}
			return []float64{1e4, 1e4, 1e4}, []float64{e.invSigma, e.invSigma, e.invSigma}
		}
		u, v := p.project(pc)
		if e.kind == edgeMono {
			return []float64{e.obsU - u, e.obsV - v}, []float64{e.invSigma, e.invSigma}
		}
		ur := u - p.bf/pc.Z
		return []float64{e.obsU - u, e.obsV - v, e.obsUR - ur},
			[]float64{e.invSigma, e.invSigma, e.invSigma}
	case edgeLine:
		pc := pose.Apply(e.world)
		if pc.Z <= 1e-9 {
			return []float64{1e4}, []float64{e.invSigma}
		}
		u, v := p.project(pc)
		return []float64{e.lineA*u + e.lineB*v + e.lineC}, []float64{e.invSigma}
	default:
		nc, dc := slammap.TransformPlane(e.mapNormal, e.mapD, pose)
		obsN, obsD := e.obsNormal, e.obsD
		if nc.Dot(obsN) < 0 {
			obsN = obsN.Mul(-1)
			obsD = -obsD
		}
		return []float64{nc.X - obsN.X, nc.Y - obsN.Y, nc.Z - obsN.Z, dc - obsD},
			[]float64{planeAngleInfo, planeAngleInfo, planeAngleInfo, planeOffsetInfo}
	}
}

// edgeJacobian returns one 6-wide row per residual component, ordered
// (rotation, translation) for a left-multiplied increment.
func (p *problem) edgeJacobian(e *edge, pose *spatial.SE3) [][6]float64 {
	switch e.kind {
	case edgeMono, edgeStereo:
		pc := pose.Apply(e.world)
		z := math.Max(pc.Z, 1e-9)
		invZ := 1 / z
		invZ2 := invZ * invZ
		ju := [3]float64{p.fx * invZ, 0, -p.fx * pc.X * invZ2}
		jv := [3]float64{0, p.fy * invZ, -p.fy * pc.Y * invZ2}
		rows := [][6]float64{
			chainPointRow(ju, pc, true),
			chainPointRow(jv, pc, true),
		}
		if e.kind == edgeStereo {
			jr := [3]float64{p.fx * invZ, 0, -p.fx*pc.X*invZ2 + p.bf*invZ2}
			rows = append(rows, chainPointRow(jr, pc, true))
		}
		return rows
	case edgeLine:
		pc := pose.Apply(e.world)
		z := math.Max(pc.Z, 1e-9)
		invZ := 1 / z
		invZ2 := invZ * invZ
		g := [3]float64{
			e.lineA * p.fx * invZ,
			e.lineB * p.fy * invZ,
			-e.lineA*p.fx*pc.X*invZ2 - e.lineB*p.fy*pc.Y*invZ2,
		}
		return [][6]float64{chainPointRow(g, pc, false)}
	default:
		nc, _ := slammap.TransformPlane(e.mapNormal, e.mapD, pose)
		// normal rows: d(nc)/dw = -[nc]x, no translation dependence;
		// offset row: rotation terms cancel, d(dc)/dt = -nc.
		return [][6]float64{
			{0, nc.Z, -nc.Y, 0, 0, 0},
			{-nc.Z, 0, nc.X, 0, 0, 0},
			{nc.Y, -nc.X, 0, 0, 0, 0},
			{0, 0, 0, -nc.X, -nc.Y, -nc.Z},
		}
	}
}

// chainPointRow composes a d(scalar)/d(pc) row with d(pc)/d(xi) =
// [-[pc]x | I]. negate flips sign for residuals of the form obs - h(x).
func chainPointRow(g [3]float64, pc r3.Vector, negate bool) [6]float64 {
	row := [6]float64{
		g[2]*pc.Y - g[1]*pc.Z,
		g[0]*pc.Z - g[2]*pc.X,
		g[1]*pc.X - g[0]*pc.Y,
		g[0], g[1], g[2],
	}
	if negate {
		for i := range row {
			row[i] = -row[i]
		}
	}
	return row
}

func (p *problem) edgeChi2(e *edge, pose *spatial.SE3) float64 {
	res, info := p.edgeResidual(e, pose)
	chi2 := 0.0
	for i, r := range res {
		chi2 += info[i] * r * r
	}
	return chi2
}

// minimize runs one round of damped Gauss-Newton iterations.
func (p *problem) minimize(pose *spatial.SE3, useHuber bool) (*spatial.SE3, error) {
	lambda := initialLambda
	current := pose.Clone()
	currentChi2 := p.totalChi2(current, useHuber)
	solvedOnce := false

	for it := 0; it < itersPerRound; it++ {
		h := mat.NewSymDense(6, nil)
		b := mat.NewVecDense(6, nil)
		p.accumulate(h, b, current, useHuber)
		if p.prior != nil {
			p.accumulatePrior(h, b, current)
		}

		accepted := false
		for step := 0; step < maxLambdaSteps; step++ {
			damped := mat.NewSymDense(6, nil)
			damped.CopySym(h)
			for i := 0; i < 6; i++ {
				damped.SetSym(i, i, damped.At(i, i)*(1+lambda)+lambda)
			}
			var chol mat.Cholesky
			if !chol.Factorize(damped) {
				lambda *= 10
				continue
			}
			var delta mat.VecDense
			if err := chol.SolveVecTo(&delta, b); err != nil {
				lambda *= 10
				continue
			}
			solvedOnce = true
			candidate := applyIncrement(current, &delta)
			candChi2 := p.totalChi2(candidate, useHuber)
			if candChi2 <= currentChi2 {
				current = candidate
				currentChi2 = candChi2
				lambda = math.Max(lambda/3, 1e-9)
				accepted = true
				break
			}
			lambda *= 10
		}
		if !accepted {
			break
		}
	}
	if !solvedOnce {
		return nil, ErrDegenerate
	}
	return current, nil
}

func (p *problem) totalChi2(pose *spatial.SE3, useHuber bool) float64 {
	total := 0.0
	for i := range p.edges {
		e := &p.edges[i]
		if e.excluded {
			continue
		}
		chi2 := p.edgeChi2(e, pose)
		if useHuber {
			delta := gateFor(e.kind)
			if chi2 > delta {
				chi2 = 2*math.Sqrt(chi2*delta) - delta
			}
		}
		total += chi2
	}
	if p.prior != nil {
		diff := priorResidual(pose, p.prior)
		total += p.prior.Weight * diff.Norm2()
	}
	return total
}

func (p *problem) accumulate(h *mat.SymDense, b *mat.VecDense, pose *spatial.SE3, useHuber bool) {
	for i := range p.edges {
		e := &p.edges[i]
		if e.excluded {
			continue
		}
		res, info := p.edgeResidual(e, pose)
		jac := p.edgeJacobian(e, pose)
		w := 1.0
		if useHuber {
			chi2 := 0.0
			for r, rv := range res {
				chi2 += info[r] * rv * rv
			}
			delta := gateFor(e.kind)
			if chi2 > delta {
				w = math.Sqrt(delta / chi2)
			}
		}
		for r := range res {
			wi := w * info[r]
			row := jac[r]
			for a := 0; a < 6; a++ {
				b.SetVec(a, b.AtVec(a)-wi*row[a]*res[r])
				for c := a; c < 6; c++ {
					h.SetSym(a, c, h.At(a, c)+wi*row[a]*row[c])
				}
			}
		}
	}
}

// priorResidual is log(Rcw * Rprior^T): zero when the rotations agree.
func priorResidual(pose *spatial.SE3, prior *RotationPrior) r3.Vector {
	var diff mat.Dense
	diff.Mul(pose.Rotation(), prior.Rotation.T())
	return spatial.LogSO3(&diff)
}

func (p *problem) accumulatePrior(h *mat.SymDense, b *mat.VecDense, pose *spatial.SE3) {
	res := priorResidual(pose, p.prior)
	// small-angle jacobian of log(Exp(dw) R Rp^T) is ~identity on rotation
	r := [3]float64{res.X, res.Y, res.Z}
	for a := 0; a < 3; a++ {
		b.SetVec(a, b.AtVec(a)-p.prior.Weight*r[a])
		h.SetSym(a, a, h.At(a, a)+p.prior.Weight)
	}
}

// applyIncrement left-multiplies the pose by the exponential of the 6-vector
// (rotation, translation) increment.
func applyIncrement(pose *spatial.SE3, delta *mat.VecDense) *spatial.SE3 {
	w := r3.Vector{X: delta.AtVec(0), Y: delta.AtVec(1), Z: delta.AtVec(2)}
	v := r3.Vector{X: delta.AtVec(3), Y: delta.AtVec(4), Z: delta.AtVec(5)}
	inc := spatial.NewSE3FromParts(spatial.ExpSO3(w), v)
	return inc.Compose(pose)
}
