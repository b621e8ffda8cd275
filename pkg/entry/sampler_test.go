package entry

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seegplan/internal/models"
)

// shell sets every voxel at distance [r-0.5, r+0.5) from the centre of an
// n^3 grid, a crude cortical surface.
func shell(n int, r float64) *models.Mask {
	m := models.NewMask(models.NewGrid(n, n, n, nil))
	c := float64(n-1) / 2
	for idx := range m.Data {
		p := m.CoordOf(idx)
		d := math.Sqrt(sq(float64(p.I)-c) + sq(float64(p.J)-c) + sq(float64(p.K)-c))
		m.Data[idx] = d >= r-0.5 && d < r+0.5
	}
	return m
}

func sq(x float64) float64 { return x * x }

func TestCandidatesNaturalOrder(t *testing.T) {
	m := models.NewMask(models.NewGrid(3, 3, 3, nil))
	m.Set(models.Coord{I: 2, J: 0, K: 0}, true)
	m.Set(models.Coord{I: 0, J: 1, K: 2}, true)
	m.Set(models.Coord{I: 0, J: 1, K: 0}, true)

	want := []models.Coord{{I: 0, J: 1, K: 0}, {I: 0, J: 1, K: 2}, {I: 2, J: 0, K: 0}}
	if diff := cmp.Diff(want, Candidates(m)); diff != "" {
		t.Errorf("Candidates mismatch (-want +got):\n%s", diff)
	}
}

func TestSampleCountAndMembership(t *testing.T) {
	m := shell(24, 9)
	raw := Candidates(m)
	require.Greater(t, len(raw), 500)

	set := make(map[models.Coord]bool, len(raw))
	for _, c := range raw {
		set[c] = true
	}

	for _, n := range []int{1, 7, 100, 500, len(raw), len(raw) + 50} {
		got := Sample(m, n)
		want := n
		if len(raw) < n {
			want = len(raw)
		}
		assert.Len(t, got, want, "n=%d", n)
		for _, c := range got {
			assert.True(t, set[c], "sample %v is not a candidate", c)
		}
	}
}

func TestSampleStride(t *testing.T) {
	m := models.NewMask(models.NewGrid(10, 1, 1, nil))
	for i := 0; i < 10; i++ {
		m.Set(models.Coord{I: i}, true)
	}
	got := Sample(m, 3)
	// floor(10/3) = 3
	assert.Equal(t, []models.Coord{{I: 0, J: 0, K: 0}, {I: 3, J: 0, K: 0}, {I: 6, J: 0, K: 0}}, got)
}

func TestSampleEmptyMask(t *testing.T) {
	m := models.NewMask(models.NewGrid(4, 4, 4, nil))
	assert.Empty(t, Sample(m, 10))
	assert.Empty(t, SampleSpaced(m, 2, 10))
}

func TestSampleSpacedKeepsMinimumDistance(t *testing.T) {
	m := shell(24, 9)
	got := SampleSpaced(m, 3, 0)
	require.NotEmpty(t, got)

	for a := 0; a < len(got); a++ {
		for b := a + 1; b < len(got); b++ {
			d := math.Sqrt(sq(float64(got[a].I-got[b].I)) + sq(float64(got[a].J-got[b].J)) + sq(float64(got[a].K-got[b].K)))
			require.GreaterOrEqual(t, d, 3.0, "%v and %v too close", got[a], got[b])
		}
	}

	limited := SampleSpaced(m, 3, 10)
	assert.Len(t, limited, 10)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, Stride, s)

	s, err = ParseStrategy("Spacing")
	require.NoError(t, err)
	assert.Equal(t, Spacing, s)

	_, err = ParseStrategy("voronoi")
	assert.Error(t, err)
}

// greedySpaced is the quadratic reference for SampleSpaced without a
// count limit.
func greedySpaced(m *models.Mask, spacingMM float64) []models.Coord {
	sp := m.Spacing()
	var kept []models.Coord
	for _, c := range Candidates(m) {
		ok := true
		for _, k := range kept {
			d := sq(float64(c.I-k.I)*sp[0]) + sq(float64(c.J-k.J)*sp[1]) + sq(float64(c.K-k.K)*sp[2])
			if d < spacingMM*spacingMM {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, c)
		}
	}
	return kept
}

func TestSampleSpacedMatchesGreedyReference(t *testing.T) {
	full := models.NewMask(models.NewGrid(14, 12, 10, models.ScaledAffine(1, 1.5, 2)))
	for i := range full.Data {
		full.Data[i] = true
	}

	for name, tc := range map[string]struct {
		mask    *models.Mask
		spacing float64
	}{
		"full anisotropic": {full, 2.5},
		"full dense":       {full, 1.1},
		"shell":            {shell(24, 9), 3},
	} {
		want := greedySpaced(tc.mask, tc.spacing)
		got := SampleSpaced(tc.mask, tc.spacing, 0)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s: SampleSpaced mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestForestNearest(t *testing.T) {
	var f forest
	assert.True(t, math.IsInf(f.nearest(point{}), 1))

	var all []point
	for i := 0; i < 37; i++ {
		p := point{X: float64(i % 5), Y: float64(i / 5), Z: float64(i % 3)}
		f.insert(p)
		all = append(all, p)

		q := point{X: 2.3, Y: float64(i) / 4, Z: 1.7}
		want := math.Inf(1)
		for _, a := range all {
			want = math.Min(want, a.Distance(q))
		}
		require.Equal(t, want, f.nearest(q), "after %d inserts", i+1)
	}

	// 37 = 0b100101
	held := 0
	for l, lv := range f.levels {
		if lv != nil {
			assert.Len(t, lv, 1<<l)
			held += len(lv)
		}
	}
	assert.Equal(t, 37, held)
}

func BenchmarkSampleSpaced(b *testing.B) {
	m := models.NewMask(models.NewGrid(64, 64, 64, nil))
	for i := range m.Data {
		m.Data[i] = true
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SampleSpaced(m, 2, 0)
	}
}
