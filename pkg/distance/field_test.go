package distance

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seegplan/internal/models"
)

// bruteForce computes the capped field by checking every forbidden voxel.
func bruteForce(mask *models.Mask, cutoff float64) []float64 {
	var forbidden []models.Coord
	for idx, b := range mask.Data {
		if b {
			forbidden = append(forbidden, mask.CoordOf(idx))
		}
	}
	out := make([]float64, len(mask.Data))
	vs := mask.VoxelSize()
	for idx := range mask.Data {
		c := mask.CoordOf(idx)
		best := math.Inf(1)
		for _, f := range forbidden {
			di, dj, dk := float64(c.I-f.I), float64(c.J-f.J), float64(c.K-f.K)
			if d := math.Sqrt(di*di + dj*dj + dk*dk); d < best {
				best = d
			}
		}
		out[idx] = math.Min(best*vs, cutoff)
	}
	return out
}

func TestComputeMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	grid := models.NewGrid(9, 7, 6, models.ScaledAffine(0.5, 0.5, 1.0))
	mask := models.NewMask(grid)
	for i := range mask.Data {
		mask.Data[i] = rng.Float64() < 0.04
	}

	field, err := Compute(context.Background(), mask, Options{CutoffMM: 3, Workers: 3})
	require.NoError(t, err)

	want := bruteForce(mask, 3)
	for i := range want {
		require.InDeltaf(t, want[i], field.Data[i], 1e-9, "voxel %v", mask.CoordOf(i))
	}
}

func TestComputeBoundsAndZeros(t *testing.T) {
	grid := models.NewGrid(12, 12, 12, models.IdentityAffine(1.5))
	mask := models.NewMask(grid)
	mask.Set(models.Coord{I: 2, J: 3, K: 4}, true)
	mask.Set(models.Coord{I: 10, J: 10, K: 1}, true)

	field, err := Compute(context.Background(), mask, Options{CutoffMM: 6})
	require.NoError(t, err)

	for i, d := range field.Data {
		assert.GreaterOrEqual(t, d, 0.0)
		assert.LessOrEqual(t, d, 6.0)
		if mask.Data[i] {
			assert.Equal(t, 0.0, d)
		}
	}

	d, ok := field.At(models.Coord{I: 2, J: 3, K: 6})
	require.True(t, ok)
	assert.InDelta(t, 3.0, d, 1e-12, "two voxels at 1.5mm")
}

func TestComputeEmptyMaskIsCapped(t *testing.T) {
	mask := models.NewMask(models.NewGrid(4, 4, 4, nil))
	field, err := Compute(context.Background(), mask, Options{})
	require.NoError(t, err)
	for _, d := range field.Data {
		assert.Equal(t, DefaultCutoffMM, d)
	}
}

func TestComputeRejectsZeroSpacing(t *testing.T) {
	mask := models.NewMask(models.NewGrid(2, 2, 2, models.ScaledAffine(1, 0, 1)))
	_, err := Compute(context.Background(), mask, Options{})
	assert.ErrorIs(t, err, ErrInvalidSpacing)
}

func TestComputeHonoursCancellation(t *testing.T) {
	mask := models.NewMask(models.NewGrid(8, 8, 8, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compute(ctx, mask, Options{Workers: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollisionMap(t *testing.T) {
	grid := models.NewGrid(5, 5, 5, nil)
	mask := models.NewMask(grid)
	mask.Set(models.Coord{I: 1, J: 1, K: 1}, true)
	mask.Set(models.Coord{I: 4, J: 0, K: 2}, true)

	field, err := Compute(context.Background(), mask, Options{})
	require.NoError(t, err)
	assert.Equal(t, mask.Data, CollisionMap(field).Data)
}
