package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"seegplan/internal/models"
)

func sampleSets() []models.TrajectorySet {
	return []models.TrajectorySet{
		{
			Target: models.TargetPoint{Name: "hippocampus", Coord: models.Coord{I: 40, J: 30, K: 20}},
			Trajectories: []models.Trajectory{
				{
					Direction: r3.Vec{X: 0.6, Y: 0.8}, Entry: models.Coord{I: 10, J: 1, K: 20},
					Terminal: models.Coord{I: 42, J: 32, K: 20}, Margin: 7.25, HasMargin: true,
				},
				{
					Direction: r3.Vec{Z: -1}, Entry: models.Coord{I: 40, J: 30, K: 60},
					Terminal: models.Coord{I: 40, J: 30, K: 17}, Margin: 2.5, HasMargin: true,
				},
			},
		},
		{Target: models.TargetPoint{Name: "empty"}},
		{
			Target: models.TargetPoint{Name: "insula"},
			Trajectories: []models.Trajectory{
				{Direction: r3.Vec{X: -1}, Entry: models.Coord{I: 9, J: 9, K: 9}, Terminal: models.Coord{I: 1, J: 9, K: 9}, Margin: 1.125, HasMargin: true},
			},
		},
	}
}

func TestPathFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub-01", PathFileName)
	assert.False(t, Exists(path))
	require.NoError(t, WritePathFile(path, sampleSets()))
	assert.True(t, Exists(path))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	got, err := ReadPathFile(path)
	require.NoError(t, err)

	want := sampleSets()
	require.Len(t, got, len(want))
	for i, set := range got {
		assert.Equal(t, want[i].Target, set.Target)
		require.Len(t, set.Trajectories, len(want[i].Trajectories))
		for n, tr := range set.Trajectories {
			w := want[i].Trajectories[n]
			assert.Equal(t, w.Entry, tr.Entry)
			assert.Equal(t, w.Terminal, tr.Terminal)
			assert.InDelta(t, w.Margin, tr.Margin, 1e-6)
			assert.InDelta(t, w.Direction.X, tr.Direction.X, 1e-6)
			assert.InDelta(t, w.Direction.Z, tr.Direction.Z, 1e-6)
		}
	}
	assert.Empty(t, got[1].Trajectories, "a target without rows keeps its declaration")
}

func TestEncodeSetsLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeSets(&buf, sampleSets()[:2]))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "target\trank\tmargin_mm"))
	assert.Equal(t, `# target "hippocampus" 40 30 20 ranked 2`, lines[1])
	assert.Equal(t, "hippocampus\t0\t7.250000\t10\t1\t20\t42\t32\t20\t0.600000\t0.800000\t0.000000", lines[2])
	assert.Equal(t, `# target "empty" 0 0 0 ranked 0`, lines[4])

	bad := []models.TrajectorySet{{Target: models.TargetPoint{Name: "#1"}}}
	assert.Error(t, EncodeSets(&bytes.Buffer{}, bad))
}

func TestDecodeSetsRejectsMalformed(t *testing.T) {
	header := strings.Join(columns, "\t") + "\n"
	row := func(target string, rank int, margin string) string {
		return target + "\t" + strconv.Itoa(rank) + "\t" + margin + "\t1\t2\t3\t4\t5\t6\t0\t0\t1\n"
	}

	for name, doc := range map[string]string{
		"no header":      "nope\n",
		"bad margin":     header + row("t", 0, "x"),
		"rank gap":       header + row("t", 1, "2"),
		"count mismatch": header + "# target \"t\" 1 2 3 ranked 2\n" + row("t", 0, "2"),
		"bad coordinate": header + "# target \"t\" 1 two 3 ranked 0\n",
		"redeclared":     header + "# target \"t\" 1 2 3 ranked 0\n# target \"t\" 1 2 3 ranked 0\n",
		// two targets sharing a name restart the rank sequence
		"folded targets": header + row("t", 0, "5") + row("t", 1, "4") + row("t", 0, "3"),
	} {
		_, err := DecodeSets(strings.NewReader(doc))
		assert.ErrorIs(t, err, ErrMalformedRecord, name)
	}

	sets, err := DecodeSets(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, sets)

	// files without declarations still load
	sets, err = DecodeSets(strings.NewReader(header + "# comment\n" + row("t", 0, "2") + row("t", 1, "1")))
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, 2, sets[0].Len())
}

func TestDuplicateTargetNamesDoNotRoundTrip(t *testing.T) {
	sets := sampleSets()
	sets[2].Target.Name = sets[0].Target.Name

	var buf bytes.Buffer
	require.NoError(t, EncodeSets(&buf, sets))
	_, err := DecodeSets(&buf)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer s.Close()

	run := uuid.New()
	require.NoError(t, s.StartRun(ctx, run, RunParams{CutoffMM: 15, OvershootMM: 3}))
	status, err := s.RunStatus(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, "running", status)

	require.NoError(t, s.SaveSets(ctx, run, "sub-01", sampleSets()))
	// saving again replaces rather than duplicates
	require.NoError(t, s.SaveSets(ctx, run, "sub-01", sampleSets()))

	best, err := s.Best(ctx, run, "sub-01", "hippocampus", 0)
	require.NoError(t, err)
	require.Len(t, best, 2)
	assert.Equal(t, 7.25, best[0].Margin)
	assert.Equal(t, models.Coord{I: 10, J: 1, K: 20}, best[0].Entry)
	assert.Equal(t, r3.Vec{X: 0.6, Y: 0.8}, best[0].Direction)

	top, err := s.Best(ctx, run, "sub-01", "hippocampus", 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)

	require.NoError(t, s.FinishRun(ctx, run, "done"))
	status, err = s.RunStatus(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, "done", status)

	assert.Error(t, s.FinishRun(ctx, uuid.New(), "done"))
}
