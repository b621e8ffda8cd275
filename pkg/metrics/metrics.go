// Package metrics exposes planner counters on a private Prometheus registry
// that can be dumped to a node-exporter textfile after a run.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "seegplan"

// Recorder holds the planner's collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	evaluated *prometheus.CounterVec
	collided  *prometheus.CounterVec
	ranked    *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	empty     *prometheus.CounterVec
	subjects  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	margin    *prometheus.HistogramVec
}

// NewRecorder creates and registers every collector on a fresh registry.
func NewRecorder() (*Recorder, error) {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		evaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trajectories_evaluated_total",
			Help:      "Candidate trajectories produced by enumeration.",
		}, []string{"subject"}),
		collided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trajectories_collided_total",
			Help:      "Trajectories discarded because their walk hit a forbidden voxel.",
		}, []string{"subject"}),
		ranked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trajectories_ranked_total",
			Help:      "Trajectories surviving the margin threshold.",
		}, []string{"subject"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_skipped_total",
			Help:      "Target/entry pairs without a defined direction.",
		}, []string{"subject"}),
		empty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_empty_total",
			Help:      "Targets left with no feasible trajectory.",
		}, []string{"subject"}),
		subjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subjects_total",
			Help:      "Subjects processed, by outcome.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each planning stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
		margin: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "best_margin_mm",
			Help:      "Best clearance per target.",
			Buckets:   prometheus.LinearBuckets(0, 1, 16),
		}, []string{"subject"}),
	}

	for _, c := range []prometheus.Collector{
		r.evaluated, r.collided, r.ranked, r.skipped,
		r.empty, r.subjects, r.duration, r.margin,
	} {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Trajectories records the counts of one target's pipeline.
func (r *Recorder) Trajectories(subject string, evaluated, collided, ranked, skipped int) {
	if r == nil {
		return
	}
	r.evaluated.WithLabelValues(subject).Add(float64(evaluated))
	r.collided.WithLabelValues(subject).Add(float64(collided))
	r.ranked.WithLabelValues(subject).Add(float64(ranked))
	r.skipped.WithLabelValues(subject).Add(float64(skipped))
}

// EmptyTarget counts a target with no feasible trajectory.
func (r *Recorder) EmptyTarget(subject string) {
	if r == nil {
		return
	}
	r.empty.WithLabelValues(subject).Inc()
}

// BestMargin observes the best clearance found for a target.
func (r *Recorder) BestMargin(subject string, mm float64) {
	if r == nil {
		return
	}
	r.margin.WithLabelValues(subject).Observe(mm)
}

// Subject counts a finished subject; status is "planned", "skipped" or
// "failed".
func (r *Recorder) Subject(status string) {
	if r == nil {
		return
	}
	r.subjects.WithLabelValues(status).Inc()
}

// Stage observes the time elapsed since start for a named stage.
func (r *Recorder) Stage(stage string, start time.Time) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// WriteTextfile dumps the registry in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
