package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 15.0, cfg.Processing.CutoffMM)
	assert.Equal(t, 3.0, cfg.Processing.OvershootMM)
	assert.Equal(t, 10000, cfg.Processing.EntryPoints)
}

func TestLoadConfigOverridesAndResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	doc := `
processing:
  cutoffMM: 10
  minMarginMM: 1.5
  sampling: spacing
  timeout: 90s
subjects:
  - id: sub-07
    forbiddenMask: masks/final.nii.gz
    entryMask: /abs/entry.nii.gz
    targets:
      - name: hippocampus
        voxel: [120, 98, 60]
      - name: amygdala
        world: [-22.5, -4, -18]
output:
  dir: out
  reset: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10.0, cfg.Processing.CutoffMM)
	assert.Equal(t, 1.5, cfg.Processing.MinMarginMM)
	assert.Equal(t, 3.0, cfg.Processing.OvershootMM, "unset keys keep defaults")
	assert.True(t, cfg.Output.Reset)

	require.Len(t, cfg.Subjects, 1)
	s := cfg.Subjects[0]
	assert.Equal(t, filepath.Join(dir, "masks/final.nii.gz"), s.ForbiddenMask)
	assert.Equal(t, "/abs/entry.nii.gz", s.EntryMask)
	assert.Equal(t, []int{120, 98, 60}, s.Targets[0].Voxel)
	assert.Equal(t, []float64{-22.5, -4, -18}, s.Targets[1].World)

	d, err := cfg.Timeout()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processing.CutoffMM = 0
	cfg.Processing.Sampling = "random"
	cfg.Processing.DirectionBasis = "world"
	cfg.Subjects = []Subject{
		{ID: "a", EntryMask: "e", ForbiddenMask: "f", Targets: []Target{{Voxel: []int{1, 2}}}},
		{ID: "a"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"cutoffMM", "sampling", "direction basis", "targets[0]", "duplicate id", "entryMask is required", "at least one target"} {
		assert.Contains(t, msg, want)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Subjects, 1)
	assert.Equal(t, "sub-01", cfg.Subjects[0].ID)
	assert.Len(t, cfg.Subjects[0].Targets, 2)
}

func TestValidateRejectsDuplicateTargetNames(t *testing.T) {
	subject := func(targets ...Target) Subject {
		return Subject{ID: "sub-01", EntryMask: "e", ForbiddenMask: "f", Targets: targets}
	}
	v := []int{1, 2, 3}

	cfg := DefaultConfig()
	cfg.Subjects = []Subject{subject(Target{Name: "t", Voxel: v}, Target{Name: "t", Voxel: v})}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `name "t" already used by targets[0]`)

	// an explicit name may collide with the label of an unnamed target
	cfg.Subjects = []Subject{subject(Target{Voxel: v}, Target{Name: "target-1", Voxel: v})}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"target-1"`)

	cfg.Subjects = []Subject{subject(Target{Name: "#deep", Voxel: v})}
	assert.Error(t, cfg.Validate())

	// names only need to be unique within a subject
	other := subject(Target{Name: "t", Voxel: v})
	other.ID = "sub-02"
	cfg.Subjects = []Subject{subject(Target{Name: "t", Voxel: v}, Target{Voxel: v}), other}
	assert.NoError(t, cfg.Validate())
}

func TestTargetLabel(t *testing.T) {
	assert.Equal(t, "amygdala", Target{Name: "amygdala"}.Label(4))
	assert.Equal(t, "target-5", Target{}.Label(4))
}
