package planning

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"seegplan/internal/models"
)

// Status is the outcome of one subject.
type Status string

const (
	StatusPlanned Status = "planned"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusDryRun  Status = "dry-run"
)

// TargetSummary describes the ranked set of one target.
type TargetSummary struct {
	Name   string
	Target models.Coord

	// Evaluated counts enumerated trajectories; Skipped counts degenerate
	// pairs that never became trajectories.
	Evaluated int
	Skipped   int
	Collided  int
	Ranked    int

	// Margin statistics over the ranked set, in mm. Zero when Empty.
	Best   float64
	Mean   float64
	Median float64

	// Empty is set when no trajectory survived.
	Empty bool
}

// SubjectSummary is the outcome of one subject.
type SubjectSummary struct {
	ID          string
	Status      Status
	EntryPoints int
	Targets     []TargetSummary
	OutputPath  string
	Duration    time.Duration
	Err         error
}

// RunSummary collects every subject of one Process call.
type RunSummary struct {
	RunID    uuid.UUID
	Subjects []SubjectSummary
}

// Skipped lists the subjects left alone because their output existed.
func (r *RunSummary) Skipped() []string {
	var ids []string
	for _, s := range r.Subjects {
		if s.Status == StatusSkipped {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Failed lists the subjects that aborted.
func (r *RunSummary) Failed() []SubjectSummary {
	var out []SubjectSummary
	for _, s := range r.Subjects {
		if s.Status == StatusFailed {
			out = append(out, s)
		}
	}
	return out
}

// summarizeTarget fills the margin statistics of ts from a ranked set.
func summarizeTarget(ts *TargetSummary, ranked []models.Trajectory) {
	ts.Ranked = len(ranked)
	if len(ranked) == 0 {
		ts.Empty = true
		return
	}

	margins := models.Margins(ranked)
	sort.Float64s(margins)
	ts.Best = margins[len(margins)-1]
	ts.Mean = stat.Mean(margins, nil)
	ts.Median = stat.Quantile(0.5, stat.Empirical, margins, nil)
}
