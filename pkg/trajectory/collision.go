package trajectory

import (
	"context"
	"fmt"

	"seegplan/internal/models"
)

// Collides reports whether the walk of t touches a forbidden voxel of mask.
// A probe outside the volume counts as a collision.
func Collides(t models.Trajectory, mask *models.Mask) bool {
	hit := false
	Walk(t, func(c models.Coord) bool {
		forbidden, ok := mask.At(c)
		if !ok || forbidden {
			hit = true
			return false
		}
		return true
	})
	return hit
}

// FilterCollisions returns the trajectories of ts whose walks never touch a
// forbidden voxel, in input order. The walks run in parallel; the inputs are
// never modified.
func FilterCollisions(ctx context.Context, ts []models.Trajectory, mask *models.Mask, workers int) ([]models.Trajectory, error) {
	keep := make([]bool, len(ts))
	err := forEachChunk(ctx, len(ts), workers, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			keep[i] = !Collides(ts[i], mask)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("collision filter: %w", err)
	}

	out := make([]models.Trajectory, 0, len(ts))
	for i, ok := range keep {
		if ok {
			out = append(out, ts[i])
		}
	}
	return out, nil
}
