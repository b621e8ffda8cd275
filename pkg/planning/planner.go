// Package planning runs the per-subject trajectory planning pipeline: load
// the masks, build the distance field, sample entry points, enumerate,
// filter and rank trajectories, and persist the ranked sets.
package planning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seegplan/internal/models"
	"seegplan/pkg/config"
	"seegplan/pkg/distance"
	"seegplan/pkg/entry"
	"seegplan/pkg/metrics"
	"seegplan/pkg/nifti"
	"seegplan/pkg/store"
	"seegplan/pkg/trajectory"
	"seegplan/pkg/visualization"
)

// ErrTargetOutOfBounds is returned when a configured target does not map
// to a voxel of the subject's grid.
var ErrTargetOutOfBounds = errors.New("target outside volume")

// ErrDuplicateTarget is returned when two targets of a subject resolve to
// the same name. Names key every per-target output.
var ErrDuplicateTarget = errors.New("duplicate target name")

// SubjectError attaches the subject (and target, when known) to a fatal
// per-subject error.
type SubjectError struct {
	Subject string
	Target  string
	Err     error
}

func (e *SubjectError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("subject %s, target %s: %v", e.Subject, e.Target, e.Err)
	}
	return fmt.Sprintf("subject %s: %v", e.Subject, e.Err)
}

func (e *SubjectError) Unwrap() error { return e.Err }

// Archive receives the ranked sets of every run. *store.SQLiteStore
// satisfies it.
type Archive interface {
	StartRun(ctx context.Context, runID uuid.UUID, p store.RunParams) error
	SaveSets(ctx context.Context, runID uuid.UUID, subject string, sets []models.TrajectorySet) error
	FinishRun(ctx context.Context, runID uuid.UUID, status string) error
}

// Option configures a Planner.
type Option func(*Planner)

// WithArchive records every planned subject in a.
func WithArchive(a Archive) Option {
	return func(p *Planner) { p.archive = a }
}

// WithMetrics records counters and stage timings in m.
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Planner) { p.metrics = m }
}

// WithDryRun makes Process check inputs without computing anything.
func WithDryRun(dryRun bool) Option {
	return func(p *Planner) { p.dryRun = dryRun }
}

// Planner plans trajectories for every subject of a configuration.
type Planner struct {
	cfg     *config.Config
	logger  *zap.Logger
	archive Archive
	metrics *metrics.Recorder
	dryRun  bool
}

// NewPlanner creates a planner for cfg. cfg must already be validated.
func NewPlanner(cfg *config.Config, logger *zap.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Planner{cfg: cfg, logger: logger.Named("planner")}
	for _, o := range opts {
		o(p)
	}
	return p
}

// subjectPaths are the output locations of one subject.
type subjectPaths struct {
	dir      string
	raw      string
	debug    string
	pathFile string
}

func (p *Planner) pathsFor(id string) subjectPaths {
	dir := filepath.Join(p.cfg.Output.Dir, id)
	return subjectPaths{
		dir:      dir,
		raw:      filepath.Join(dir, "raw"),
		debug:    filepath.Join(dir, "debug"),
		pathFile: filepath.Join(dir, store.PathFileName),
	}
}

// Process plans every configured subject in order. A subject whose
// path.txt already exists is skipped unless Output.Reset is set. A fatal
// error aborts only its own subject; the returned error joins all of them.
// Cancelling ctx stops the run before the next subject.
func (p *Planner) Process(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{RunID: uuid.New()}
	logger := p.logger.With(zap.String("run", summary.RunID.String()))

	if p.archive != nil && !p.dryRun {
		err := p.archive.StartRun(ctx, summary.RunID, store.RunParams{
			CutoffMM:    p.cfg.Processing.CutoffMM,
			OvershootMM: p.cfg.Processing.OvershootMM,
			MinMarginMM: p.cfg.Processing.MinMarginMM,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start archived run: %w", err)
		}
	}

	logger.Info("Starting trajectory planning",
		zap.Int("subjects", len(p.cfg.Subjects)),
		zap.Bool("reset", p.cfg.Output.Reset),
		zap.Bool("dryRun", p.dryRun))

	var errs []error
	for _, s := range p.cfg.Subjects {
		if err := ctx.Err(); err != nil {
			p.finish(summary, "cancelled")
			return summary, err
		}

		res := p.processSubject(ctx, summary.RunID, s)
		summary.Subjects = append(summary.Subjects, res)
		p.metrics.Subject(string(res.Status))
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}

	if skipped := summary.Skipped(); len(skipped) > 0 {
		logger.Info("Some subjects were skipped because their output is complete; set output.reset to re-run them",
			zap.Strings("subjects", skipped))
	}

	status := "done"
	if len(errs) > 0 {
		status = "failed"
	}
	p.finish(summary, status)

	if err := p.metrics.WriteTextfile(p.cfg.Output.MetricsFile); err != nil {
		logger.Warn("Failed to write metrics", zap.Error(err))
	}

	return summary, errors.Join(errs...)
}

func (p *Planner) finish(summary *RunSummary, status string) {
	if p.archive == nil || p.dryRun {
		return
	}
	// the run's own context may be cancelled already
	if err := p.archive.FinishRun(context.Background(), summary.RunID, status); err != nil {
		p.logger.Warn("Failed to finish archived run", zap.Error(err))
	}
}

func (p *Planner) processSubject(ctx context.Context, runID uuid.UUID, s config.Subject) SubjectSummary {
	start := time.Now()
	paths := p.pathsFor(s.ID)
	res := SubjectSummary{ID: s.ID, OutputPath: paths.pathFile}
	logger := p.logger.With(zap.String("subject", s.ID))

	if store.Exists(paths.pathFile) && !p.cfg.Output.Reset {
		logger.Info("Output present, skipping subject", zap.String("path", paths.pathFile))
		res.Status = StatusSkipped
		return res
	}

	if p.dryRun {
		res.Status = StatusDryRun
		if err := checkInputs(s); err != nil {
			res.Status = StatusFailed
			res.Err = &SubjectError{Subject: s.ID, Err: err}
			logger.Error("Input check failed", zap.Error(err))
			return res
		}
		logger.Info("Inputs present", zap.Int("targets", len(s.Targets)))
		return res
	}

	timeout, _ := p.cfg.Timeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	targets, err := p.planSubject(ctx, logger, runID, s, paths, &res)
	res.Targets = targets
	res.Duration = time.Since(start)
	if err != nil {
		var se *SubjectError
		if !errors.As(err, &se) {
			err = &SubjectError{Subject: s.ID, Err: err}
		}
		res.Status = StatusFailed
		res.Err = err
		logger.Error("Subject failed", zap.Error(err))
		return res
	}

	res.Status = StatusPlanned
	logger.Info("Subject planned",
		zap.Duration("elapsed", res.Duration),
		zap.String("output", paths.pathFile))
	return res
}

// subjectInputs are the loaded volumes of one subject.
type subjectInputs struct {
	forbidden  *models.Mask
	components []namedMask
	entries    *models.Mask
}

type namedMask struct {
	name string
	mask *models.Mask
}

func (p *Planner) planSubject(ctx context.Context, logger *zap.Logger, runID uuid.UUID, s config.Subject, paths subjectPaths, res *SubjectSummary) ([]TargetSummary, error) {
	proc := p.cfg.Processing

	// Step 1: masks
	logger.Info("Step 1: Loading masks...")
	t0 := time.Now()
	in, err := loadInputs(s)
	if err != nil {
		return nil, err
	}
	grid := in.forbidden.Grid
	targets, err := resolveTargets(s, grid)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if f, _ := in.forbidden.At(t.Coord); f {
			logger.Warn("Target lies inside the forbidden mask; every trajectory will collide",
				zap.String("target", t.Name), zap.Stringer("voxel", t.Coord))
		}
	}
	p.metrics.Stage("load", t0)
	shape := grid.Shape()
	logger.Debug("Masks loaded",
		zap.Ints("shape", shape[:]),
		zap.Float64("voxelSizeMM", grid.VoxelSize()),
		zap.Int("forbiddenVoxels", in.forbidden.Count()))

	// Step 2: distance field
	logger.Info("Step 2: Computing distance field...")
	t0 = time.Now()
	opts := distance.Options{CutoffMM: proc.CutoffMM, Workers: proc.NumWorkers}
	field, err := distance.Compute(ctx, in.forbidden, opts)
	if err != nil {
		return nil, fmt.Errorf("distance field: %w", err)
	}
	p.metrics.Stage("distance", t0)

	if p.cfg.Output.SaveDistanceMap {
		if err := p.saveDistanceMaps(ctx, logger, paths, field, in.components, opts); err != nil {
			return nil, err
		}
	}

	// Step 3: entry points
	logger.Info("Step 3: Sampling entry points...")
	strategy, _ := entry.ParseStrategy(proc.Sampling)
	entries := entry.Run(in.entries, strategy, proc.EntryPoints, proc.SamplingSpacingMM)
	res.EntryPoints = len(entries)
	logger.Info("Entry points sampled",
		zap.Int("candidates", in.entries.Count()),
		zap.Int("kept", len(entries)),
		zap.String("strategy", string(strategy)))

	// Step 4: enumeration
	logger.Info("Step 4: Enumerating trajectories...")
	basis, _ := trajectory.ParseBasis(proc.DirectionBasis)
	enum := trajectory.NewEnumerator(grid, proc.OvershootMM, basis)
	sets, skipped := enum.Enumerate(targets, entries)
	skippedPer := make(map[string]int)
	for _, sk := range skipped {
		skippedPer[sk.Target.Name]++
		logger.Debug("Skipped degenerate pair",
			zap.String("target", sk.Target.Name),
			zap.Stringer("entry", sk.Entry),
			zap.Error(sk.Err))
	}
	if len(skipped) > 0 {
		logger.Warn("Degenerate target/entry pairs skipped", zap.Int("count", len(skipped)))
	}

	// Step 5: collision filter and margin ranking
	logger.Info("Step 5: Filtering collisions and ranking margins...")
	summaries := make([]TargetSummary, len(sets))
	for i := range sets {
		set := &sets[i]
		ts := &summaries[i]
		ts.Name = set.Target.Name
		ts.Target = set.Target.Coord
		ts.Evaluated = set.Len()
		ts.Skipped = skippedPer[set.Target.Name]

		t0 = time.Now()
		free, err := trajectory.FilterCollisions(ctx, set.Trajectories, in.forbidden, proc.NumWorkers)
		if err != nil {
			return summaries, &SubjectError{Subject: s.ID, Target: set.Target.Name, Err: err}
		}
		p.metrics.Stage("collision", t0)
		ts.Collided = ts.Evaluated - len(free)

		t0 = time.Now()
		ranked, err := trajectory.Rank(ctx, free, field, proc.MinMarginMM, proc.NumWorkers)
		if err != nil {
			return summaries, &SubjectError{Subject: s.ID, Target: set.Target.Name, Err: err}
		}
		p.metrics.Stage("rank", t0)

		set.Trajectories = ranked
		summarizeTarget(ts, ranked)
		p.metrics.Trajectories(s.ID, ts.Evaluated, ts.Collided, ts.Ranked, ts.Skipped)

		tl := logger.With(zap.String("target", set.Target.Name))
		if ts.Empty {
			p.metrics.EmptyTarget(s.ID)
			tl.Warn("No feasible trajectory for target",
				zap.Int("evaluated", ts.Evaluated),
				zap.Int("collided", ts.Collided))
			continue
		}
		p.metrics.BestMargin(s.ID, ts.Best)
		tl.Info("Target ranked",
			zap.Int("evaluated", ts.Evaluated),
			zap.Int("collided", ts.Collided),
			zap.Int("ranked", ts.Ranked),
			zap.Float64("bestMarginMM", ts.Best),
			zap.Float64("medianMarginMM", ts.Median))
	}

	// Step 6: outputs; path.txt goes last so its presence means complete
	logger.Info("Step 6: Writing outputs...")
	if p.cfg.Output.SaveDebugImages {
		p.saveDebugImages(logger, paths, field, sets)
	}
	if p.archive != nil {
		if err := p.archive.SaveSets(ctx, runID, s.ID, sets); err != nil {
			return summaries, fmt.Errorf("archive trajectories: %w", err)
		}
	}
	if err := store.WritePathFile(paths.pathFile, sets); err != nil {
		return summaries, fmt.Errorf("write %s: %w", paths.pathFile, err)
	}

	return summaries, nil
}

func (p *Planner) saveDistanceMaps(ctx context.Context, logger *zap.Logger, paths subjectPaths, combined *models.Volume, components []namedMask, opts distance.Options) error {
	if err := os.MkdirAll(paths.raw, 0755); err != nil {
		return fmt.Errorf("failed to create raw directory: %w", err)
	}
	out := filepath.Join(paths.raw, "distance_map_combined.nii.gz")
	if err := nifti.Write(out, combined, nifti.Float32); err != nil {
		return fmt.Errorf("save distance map: %w", err)
	}
	logger.Debug("Saved distance map", zap.String("path", out))

	for _, c := range components {
		field, err := distance.Compute(ctx, c.mask, opts)
		if err != nil {
			return fmt.Errorf("distance field %s: %w", c.name, err)
		}
		out := filepath.Join(paths.raw, "distance_map_"+c.name+".nii.gz")
		if err := nifti.Write(out, field, nifti.Float32); err != nil {
			return fmt.Errorf("save distance map %s: %w", c.name, err)
		}
		logger.Debug("Saved distance map", zap.String("path", out))
	}
	return nil
}

// saveDebugImages writes, per target, the orthogonal slices through the
// target with the best trajectory drawn in, and a margin histogram.
// Failures are logged and do not fail the subject.
func (p *Planner) saveDebugImages(logger *zap.Logger, paths subjectPaths, field *models.Volume, sets []models.TrajectorySet) {
	for _, set := range sets {
		best, ok := set.Best()
		if !ok {
			continue
		}
		viewer := visualization.NewViewer(field, p.cfg.Processing.CutoffMM)
		viewer.AddTrajectory(best)
		if err := viewer.SaveOrthogonalSlices(set.Target.Coord, paths.debug, set.Target.Name); err != nil {
			logger.Warn("Failed to save debug slices", zap.String("target", set.Target.Name), zap.Error(err))
			continue
		}
		hist := filepath.Join(paths.debug, set.Target.Name+"_margins.png")
		title := fmt.Sprintf("%s margins", set.Target.Name)
		if err := visualization.MarginHistogram(models.Margins(set.Trajectories), title, hist); err != nil {
			logger.Warn("Failed to save margin histogram", zap.String("target", set.Target.Name), zap.Error(err))
		}
	}
}

// loadInputs reads the subject's masks and checks they share one grid.
func loadInputs(s config.Subject) (*subjectInputs, error) {
	in := &subjectInputs{}

	for _, c := range s.ComponentMasks {
		m, err := nifti.ReadMask(c.Path)
		if err != nil {
			return nil, fmt.Errorf("load %s mask: %w", c.Name, err)
		}
		in.components = append(in.components, namedMask{name: c.Name, mask: m})
	}

	if s.ForbiddenMask != "" {
		m, err := nifti.ReadMask(s.ForbiddenMask)
		if err != nil {
			return nil, fmt.Errorf("load forbidden mask: %w", err)
		}
		in.forbidden = m
	} else {
		if len(in.components) == 0 {
			return nil, errors.New("no forbidden mask configured")
		}
		first := in.components[0].mask
		in.forbidden = models.NewMask(first.Grid)
	}
	for _, c := range in.components {
		if err := models.CheckSameGrid(s.ID, "forbidden", in.forbidden.Grid, c.name, c.mask.Grid); err != nil {
			return nil, err
		}
		if s.ForbiddenMask == "" {
			if err := in.forbidden.Union(c.mask); err != nil {
				return nil, err
			}
		}
	}

	m, err := nifti.ReadMask(s.EntryMask)
	if err != nil {
		return nil, fmt.Errorf("load entry mask: %w", err)
	}
	in.entries = m
	if err := models.CheckSameGrid(s.ID, "forbidden", in.forbidden.Grid, "entry", in.entries.Grid); err != nil {
		return nil, err
	}
	return in, nil
}

// resolveTargets converts configured targets to voxel coordinates. World
// coordinates go through the inverse affine and are rounded to the
// nearest voxel.
func resolveTargets(s config.Subject, grid models.Grid) ([]models.TargetPoint, error) {
	out := make([]models.TargetPoint, 0, len(s.Targets))
	seen := make(map[string]bool, len(s.Targets))
	for i, t := range s.Targets {
		name := t.Label(i)
		if seen[name] {
			return nil, &SubjectError{Subject: s.ID, Target: name, Err: ErrDuplicateTarget}
		}
		seen[name] = true

		var c models.Coord
		switch {
		case len(t.Voxel) == 3:
			c = models.Coord{I: t.Voxel[0], J: t.Voxel[1], K: t.Voxel[2]}
		case len(t.World) == 3:
			v, err := grid.WorldToVoxel([3]float64{t.World[0], t.World[1], t.World[2]})
			if err != nil {
				return nil, &SubjectError{Subject: s.ID, Target: name, Err: err}
			}
			c = models.Coord{I: int(math.Round(v[0])), J: int(math.Round(v[1])), K: int(math.Round(v[2]))}
		default:
			return nil, &SubjectError{Subject: s.ID, Target: name, Err: errors.New("target needs voxel or world coordinates")}
		}

		if !grid.InBounds(c) {
			return nil, &SubjectError{Subject: s.ID, Target: name,
				Err: fmt.Errorf("%w: %v not in %v", ErrTargetOutOfBounds, c, grid.Shape())}
		}
		out = append(out, models.TargetPoint{Name: name, Coord: c})
	}
	return out, nil
}

// checkInputs verifies that every input file of s exists.
func checkInputs(s config.Subject) error {
	var errs []error
	check := func(what, path string) {
		if path == "" {
			return
		}
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}
	check("forbidden mask", s.ForbiddenMask)
	check("entry mask", s.EntryMask)
	for _, c := range s.ComponentMasks {
		check(c.Name+" mask", c.Path)
	}
	return errors.Join(errs...)
}
