// Package entry turns a dense mask of eligible cortical entry voxels into a
// working set of entry coordinates.
package entry

import (
	"fmt"
	"strings"

	"seegplan/internal/models"
)

// DefaultCount is the number of entry points kept per subject.
const DefaultCount = 10000

// Strategy selects how candidates are thinned.
type Strategy string

const (
	// Stride keeps every floor(raw/n)-th candidate in index order. It relies
	// on upstream segmentation emitting spatially coherent runs, so that
	// neighbours in the list are neighbours in space.
	Stride Strategy = "stride"

	// Spacing greedily keeps candidates at least a minimum physical distance
	// from every point already kept, independent of list order.
	Spacing Strategy = "spacing"
)

// ParseStrategy validates a strategy name. Empty means Stride.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case "", Stride:
		return Stride, nil
	case Spacing:
		return Spacing, nil
	default:
		return "", fmt.Errorf("unknown sampling strategy %q (must be stride or spacing)", s)
	}
}

// Candidates lists every set voxel of mask in natural array order: i
// outermost, k innermost.
func Candidates(mask *models.Mask) []models.Coord {
	var out []models.Coord
	for i := 0; i < mask.Nx; i++ {
		for j := 0; j < mask.Ny; j++ {
			for k := 0; k < mask.Nz; k++ {
				c := models.Coord{I: i, J: j, K: k}
				if mask.Data[mask.Index(c)] {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

// Sample returns min(n, raw) entry points from mask by index-stride
// downsampling. n <= 0 returns every candidate.
func Sample(mask *models.Mask, n int) []models.Coord {
	return strideDown(Candidates(mask), n)
}

// SampleSpaced keeps candidates (visited in natural order) that lie at
// least spacingMM from every previously kept one, then stride-limits the
// result to n when n > 0.
func SampleSpaced(mask *models.Mask, spacingMM float64, n int) []models.Coord {
	raw := Candidates(mask)
	if len(raw) == 0 || spacingMM <= 0 {
		return strideDown(raw, n)
	}

	sp := mask.Spacing()
	minSq := spacingMM * spacingMM

	var kept []models.Coord
	var f forest
	for _, c := range raw {
		p := point{
			X:     float64(c.I) * sp[0],
			Y:     float64(c.J) * sp[1],
			Z:     float64(c.K) * sp[2],
			coord: c,
		}
		if f.nearest(p) < minSq {
			continue
		}
		f.insert(p)
		kept = append(kept, c)
	}

	return strideDown(kept, n)
}

// Run dispatches to the sampler for strategy.
func Run(mask *models.Mask, strategy Strategy, n int, spacingMM float64) []models.Coord {
	if strategy == Spacing {
		return SampleSpaced(mask, spacingMM, n)
	}
	return Sample(mask, n)
}

func strideDown(raw []models.Coord, n int) []models.Coord {
	if n <= 0 || len(raw) <= n {
		return raw
	}
	step := len(raw) / n
	out := make([]models.Coord, n)
	for i := range out {
		out[i] = raw[step*i]
	}
	return out
}
