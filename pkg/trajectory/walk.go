package trajectory

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"seegplan/internal/models"
)

// Walk steps from t.Entry toward t.Terminal by t.Step and calls visit with
// the nearest voxel after each step. The entry voxel itself is not
// visited. Walking continues while any axis has not yet passed the
// terminal in the step's direction; visit returns false to stop early.
//
// Walk returns the number of voxels visited.
func Walk(t models.Trajectory, visit func(models.Coord) bool) int {
	pos := vec(t.Entry)
	term := vec(t.Terminal)
	sign := r3.Vec{X: sgn(t.Step.X), Y: sgn(t.Step.Y), Z: sgn(t.Step.Z)}

	limit := stepLimit(pos, term, t.Step)
	visited := 0
	for visited < limit && ahead(pos, term, sign) {
		pos = r3.Add(pos, t.Step)
		visited++
		if !visit(roundVec(pos)) {
			break
		}
	}
	return visited
}

// Path collects the voxels Walk visits, mainly for inspection and tests.
func Path(t models.Trajectory) []models.Coord {
	var out []models.Coord
	Walk(t, func(c models.Coord) bool {
		out = append(out, c)
		return true
	})
	return out
}

// ahead reports whether the terminal still lies ahead of pos on any axis.
func ahead(pos, term, sign r3.Vec) bool {
	return (term.X-pos.X)*sign.X > 0 ||
		(term.Y-pos.Y)*sign.Y > 0 ||
		(term.Z-pos.Z)*sign.Z > 0
}

// stepLimit is the analytic number of steps needed to pass the terminal on
// every axis, plus slack for floating-point accumulation. It guarantees
// termination for nearly-zero step components.
func stepLimit(pos, term, step r3.Vec) int {
	most := 0.0
	for _, a := range [][3]float64{
		{pos.X, term.X, step.X},
		{pos.Y, term.Y, step.Y},
		{pos.Z, term.Z, step.Z},
	} {
		if a[2] == 0 {
			continue
		}
		if r := (a[1] - a[0]) / a[2]; r > most {
			most = r
		}
	}
	if most <= 0 || math.IsInf(most, 0) || math.IsNaN(most) {
		return 0
	}
	return int(math.Ceil(most)) + 2
}

func sgn(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
