package models

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// Trajectory is a straight electrode path from a cortical entry voxel to a
// terminal voxel just beyond the target.
type Trajectory struct {
	// Direction is the unit vector from entry toward target. It is unit in
	// voxel-index space by default, or in millimetre space when the
	// enumerator runs with the physical basis.
	Direction r3.Vec

	// Step is the voxel-space increment used when walking the path. It
	// equals Direction for the voxel basis.
	Step r3.Vec

	// Entry is the start voxel on the cortical surface
	Entry Coord

	// Terminal is the target pushed forward by the overshoot distance
	Terminal Coord

	// Margin is the minimum distance-field value along the walk, in mm.
	// Only meaningful when HasMargin is set.
	Margin    float64
	HasMargin bool
}

// TargetPoint is a named deep target in voxel space.
type TargetPoint struct {
	Name  string
	Coord Coord
}

// TrajectorySet holds the trajectories computed for one target.
type TrajectorySet struct {
	Target       TargetPoint
	Trajectories []Trajectory
}

// Len returns the number of trajectories in the set.
func (s TrajectorySet) Len() int {
	return len(s.Trajectories)
}

// Best returns the highest-margin trajectory, if any. The set must already
// be ranked.
func (s TrajectorySet) Best() (Trajectory, bool) {
	if len(s.Trajectories) == 0 {
		return Trajectory{}, false
	}
	return s.Trajectories[0], true
}

// SortByMargin orders trajectories best clearance first. Ties keep their
// input order.
func SortByMargin(ts []Trajectory) {
	sort.SliceStable(ts, func(i, j int) bool {
		return ts[i].Margin > ts[j].Margin
	})
}

// Margins extracts the margin column of ts.
func Margins(ts []Trajectory) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = t.Margin
	}
	return out
}
