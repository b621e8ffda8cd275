package trajectory

import (
	"context"
	"fmt"
	"math"

	"seegplan/internal/models"
)

// MarginOf returns the minimum distance-field value sampled along the walk
// of t. A probe outside the volume scores 0. A walk that visits nothing
// scores the field value at the entry voxel.
func MarginOf(t models.Trajectory, field *models.Volume) float64 {
	margin := math.Inf(1)
	n := Walk(t, func(c models.Coord) bool {
		d, ok := field.At(c)
		if !ok {
			margin = 0
			return false
		}
		if d < margin {
			margin = d
		}
		return margin > 0
	})
	if n == 0 {
		d, _ := field.At(t.Entry)
		return d
	}
	return margin
}

// Rank attaches a margin to every trajectory, drops those with margin at
// or below minMarginMM and returns the rest sorted best clearance first.
// ts itself is not modified.
func Rank(ctx context.Context, ts []models.Trajectory, field *models.Volume, minMarginMM float64, workers int) ([]models.Trajectory, error) {
	scored := make([]models.Trajectory, len(ts))
	copy(scored, ts)

	err := forEachChunk(ctx, len(scored), workers, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			scored[i].Margin = MarginOf(scored[i], field)
			scored[i].HasMargin = true
		}
	})
	if err != nil {
		return nil, fmt.Errorf("margin ranking: %w", err)
	}

	out := scored[:0]
	for _, t := range scored {
		if t.Margin > minMarginMM {
			out = append(out, t)
		}
	}
	models.SortByMargin(out)
	return out, nil
}
