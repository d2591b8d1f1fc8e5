// Package metrics exposes Prometheus collectors for the generation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the pipeline's collectors. A nil *Recorder is valid and
// records nothing, so callers never need nil checks at call sites.
type Recorder struct {
	tokensSpent      *prometheus.CounterVec
	attempts         *prometheus.CounterVec
	gateScore        *prometheus.HistogramVec
	retrievalQueries *prometheus.CounterVec
	sectionOutcomes  *prometheus.CounterVec
	runDuration      prometheus.Histogram
}

// NewRecorder creates collectors and registers them on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		tokensSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursegen",
			Name:      "tokens_spent_total",
			Help:      "Tokens consumed by model invocations.",
		}, []string{"phase", "direction"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursegen",
			Name:      "attempts_total",
			Help:      "Phase attempts by controller outcome.",
		}, []string{"phase", "outcome"}),
		gateScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coursegen",
			Name:      "gate_score",
			Help:      "Composite quality gate scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"phase"}),
		retrievalQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursegen",
			Name:      "retrieval_queries_total",
			Help:      "Retrieval tool-call rounds executed.",
		}, []string{"degraded"}),
		sectionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursegen",
			Name:      "section_outcomes_total",
			Help:      "Terminal section states per run.",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coursegen",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of full pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(r.tokensSpent, r.attempts, r.gateScore, r.retrievalQueries, r.sectionOutcomes, r.runDuration)
	return r
}

// TokensSpent records input and output token usage for one invocation.
func (r *Recorder) TokensSpent(phase string, input, output int) {
	if r == nil {
		return
	}
	r.tokensSpent.WithLabelValues(phase, "input").Add(float64(input))
	r.tokensSpent.WithLabelValues(phase, "output").Add(float64(output))
}

// Attempt records one controller decision.
func (r *Recorder) Attempt(phase, outcome string) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(phase, outcome).Inc()
}

// GateScore records one composite gate score.
func (r *Recorder) GateScore(phase string, score float64) {
	if r == nil {
		return
	}
	r.gateScore.WithLabelValues(phase).Observe(score)
}

// RetrievalQuery records one retrieval round.
func (r *Recorder) RetrievalQuery(degraded bool) {
	if r == nil {
		return
	}
	label := "false"
	if degraded {
		label = "true"
	}
	r.retrievalQueries.WithLabelValues(label).Inc()
}

// SectionOutcome records a terminal section state.
func (r *Recorder) SectionOutcome(state string) {
	if r == nil {
		return
	}
	r.sectionOutcomes.WithLabelValues(state).Inc()
}

// RunDuration records one completed run.
func (r *Recorder) RunDuration(seconds float64) {
	if r == nil {
		return
	}
	r.runDuration.Observe(seconds)
}
