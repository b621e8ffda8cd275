// Package trajectory enumerates straight entry-to-target electrode paths,
// removes the ones that cross forbidden voxels and ranks the rest by their
// clearance from those structures.
package trajectory

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"seegplan/internal/models"
)

// DefaultOvershootMM pushes the terminal point past the target so the
// electrode tip fully reaches it.
const DefaultOvershootMM = 3.0

// ErrDegenerate marks an (entry, target) pair with no usable direction.
var ErrDegenerate = errors.New("degenerate trajectory")

// Basis selects the space in which directions are normalised.
type Basis string

const (
	// VoxelBasis normalises in raw voxel-index space. On anisotropic grids
	// this does not give physically unit steps.
	VoxelBasis Basis = "voxel"

	// PhysicalBasis normalises in millimetre space using per-axis spacing.
	PhysicalBasis Basis = "physical"
)

// ParseBasis validates a basis name. Empty means VoxelBasis.
func ParseBasis(s string) (Basis, error) {
	switch Basis(strings.ToLower(s)) {
	case "", VoxelBasis:
		return VoxelBasis, nil
	case PhysicalBasis:
		return PhysicalBasis, nil
	default:
		return "", fmt.Errorf("unknown direction basis %q (must be voxel or physical)", s)
	}
}

// Enumerator builds one trajectory per (target, entry) pair.
type Enumerator struct {
	// OvershootMM is how far past the target the path extends
	OvershootMM float64

	// VoxelSizeMM converts the overshoot to voxels in the voxel basis
	VoxelSizeMM float64

	// Basis selects direction normalisation
	Basis Basis

	// Spacing is the per-axis voxel size, used by the physical basis
	Spacing [3]float64
}

// NewEnumerator derives voxel size and spacing from grid.
func NewEnumerator(grid models.Grid, overshootMM float64, basis Basis) Enumerator {
	return Enumerator{
		OvershootMM: overshootMM,
		VoxelSizeMM: grid.VoxelSize(),
		Basis:       basis,
		Spacing:     grid.Spacing(),
	}
}

// Skipped records a pair that could not be enumerated.
type Skipped struct {
	Target models.TargetPoint
	Entry  models.Coord
	Err    error
}

// Trajectory computes the path from entry to target.
func (e Enumerator) Trajectory(target, entry models.Coord) (models.Trajectory, error) {
	tv := vec(target)
	delta := r3.Sub(tv, vec(entry))

	var dir, step, push r3.Vec
	switch e.Basis {
	case PhysicalBasis:
		sp := r3.Vec{X: e.Spacing[0], Y: e.Spacing[1], Z: e.Spacing[2]}
		if !(sp.X > 0 && sp.Y > 0 && sp.Z > 0) {
			return models.Trajectory{}, fmt.Errorf("spacing %v: %w", e.Spacing, ErrDegenerate)
		}
		mm := mulElem(delta, sp)
		dist := r3.Norm(mm)
		if !finitePositive(dist) {
			return models.Trajectory{}, fmt.Errorf("entry %v equals target %v: %w", entry, target, ErrDegenerate)
		}
		dir = r3.Scale(1/dist, mm)
		minSp := math.Min(sp.X, math.Min(sp.Y, sp.Z))
		// one step advances at most one voxel along the finest axis
		step = r3.Scale(minSp, divElem(dir, sp))
		push = divElem(r3.Scale(e.OvershootMM, dir), sp)
	default:
		dist := r3.Norm(delta)
		if !finitePositive(dist) {
			return models.Trajectory{}, fmt.Errorf("entry %v equals target %v: %w", entry, target, ErrDegenerate)
		}
		if !(e.VoxelSizeMM > 0) {
			return models.Trajectory{}, fmt.Errorf("voxel size %v: %w", e.VoxelSizeMM, ErrDegenerate)
		}
		dir = r3.Scale(1/dist, delta)
		step = dir
		push = r3.Scale(e.OvershootMM/e.VoxelSizeMM, dir)
	}

	if !finiteVec(dir) || !finiteVec(push) {
		return models.Trajectory{}, fmt.Errorf("non-finite direction from %v to %v: %w", entry, target, ErrDegenerate)
	}

	return models.Trajectory{
		Direction: dir,
		Step:      step,
		Entry:     entry,
		Terminal:  roundVec(r3.Add(tv, push)),
	}, nil
}

// Enumerate returns one TrajectorySet per target, each holding a trajectory
// for every entry in input order. Degenerate pairs are left out and
// reported in the second return value.
func (e Enumerator) Enumerate(targets []models.TargetPoint, entries []models.Coord) ([]models.TrajectorySet, []Skipped) {
	sets := make([]models.TrajectorySet, len(targets))
	var skipped []Skipped
	for ti, target := range targets {
		ts := make([]models.Trajectory, 0, len(entries))
		for _, entry := range entries {
			t, err := e.Trajectory(target.Coord, entry)
			if err != nil {
				skipped = append(skipped, Skipped{Target: target, Entry: entry, Err: err})
				continue
			}
			ts = append(ts, t)
		}
		sets[ti] = models.TrajectorySet{Target: target, Trajectories: ts}
	}
	return sets, skipped
}

func vec(c models.Coord) r3.Vec {
	return r3.Vec{X: float64(c.I), Y: float64(c.J), Z: float64(c.K)}
}

func roundVec(v r3.Vec) models.Coord {
	return models.Coord{
		I: int(math.Round(v.X)),
		J: int(math.Round(v.Y)),
		K: int(math.Round(v.Z)),
	}
}

func mulElem(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: a.X * b.X, Y: a.Y * b.Y, Z: a.Z * b.Z}
}

func divElem(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: a.X / b.X, Y: a.Y / b.Y, Z: a.Z / b.Z}
}

func finitePositive(x float64) bool {
	return x > 0 && !math.IsInf(x, 0)
}

func finiteVec(v r3.Vec) bool {
	for _, x := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
