// Package pipeline coordinates a full generation run: the metadata phase, the
// dependency-ordered section phases, cross-section validation, assembly and
// final verification. The coordinator is the sole mutator of run state;
// workers only execute attempts and report back over a channel.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/maslennikov-ig/coursegen/internal/artifact"
	"github.com/maslennikov-ig/coursegen/internal/budget"
	"github.com/maslennikov-ig/coursegen/internal/escalate"
	"github.com/maslennikov-ig/coursegen/internal/gate"
	"github.com/maslennikov-ig/coursegen/internal/logging"
	"github.com/maslennikov-ig/coursegen/internal/metrics"
	"github.com/maslennikov-ig/coursegen/internal/model"
	"github.com/maslennikov-ig/coursegen/internal/phase"
	"github.com/maslennikov-ig/coursegen/internal/retrieval"
)

var pipelineTracer = otel.Tracer("coursegen.pipeline")

// ErrRunFailed is returned when a run finishes below its success criteria.
// The assembled course is still returned alongside it for diagnostics.
var ErrRunFailed = errors.New("generation run failed")

// Tier is one rung of the model escalation ladder, cheapest first.
type Tier struct {
	Name        string
	Client      model.Client
	Model       string
	Temperature float64
	MaxTokens   int

	// ContextLimit is the hard token budget for requests on this tier.
	ContextLimit int
}

// Config holds coordinator tuning.
type Config struct {
	// Parallelism bounds concurrently running section phases.
	Parallelism int `koanf:"parallelism"`

	// MinSectionSuccess is the accepted-section fraction below which the
	// whole run counts as failed.
	MinSectionSuccess float64 `koanf:"min_section_success"`

	// StatePath, when set, receives a JSON run-state checkpoint after
	// every terminal section event.
	StatePath string `koanf:"state_path"`
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() Config {
	return Config{Parallelism: 2, MinSectionSuccess: 0.5}
}

// Coordinator drives runs.
type Coordinator struct {
	tiers      []Tier
	executor   *phase.Executor
	gate       *gate.Gate
	controller *escalate.Controller
	logger     *logging.Logger
	rec        *metrics.Recorder
	cfg        Config
}

// NewCoordinator wires a coordinator. rec may be nil.
func NewCoordinator(tiers []Tier, ex *phase.Executor, g *gate.Gate, ctrl *escalate.Controller, logger *logging.Logger, rec *metrics.Recorder, cfg Config) (*Coordinator, error) {
	if len(tiers) == 0 {
		return nil, errors.New("at least one model tier is required")
	}
	for i, t := range tiers {
		if t.Client == nil {
			return nil, fmt.Errorf("tier %d (%s) has no client", i, t.Name)
		}
	}
	if ex == nil || g == nil || ctrl == nil {
		return nil, errors.New("executor, gate and controller are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	def := DefaultConfig()
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.MinSectionSuccess == 0 {
		cfg.MinSectionSuccess = def.MinSectionSuccess
	}
	return &Coordinator{
		tiers:      tiers,
		executor:   ex,
		gate:       g,
		controller: ctrl,
		logger:     logger.Named("pipeline"),
		rec:        rec,
		cfg:        cfg,
	}, nil
}

// Run executes a full generation run over the analysis artifact. The input is
// validated before any model call; a malformed analysis fails the run without
// spending a single token. On a failed run the partially assembled course is
// returned together with ErrRunFailed.
func (c *Coordinator) Run(ctx context.Context, a *artifact.Analysis) (*artifact.Course, error) {
	start := time.Now()
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)

	ctx, span := pipelineTracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	if err := a.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	course := &artifact.Course{RunID: runID, CourseID: a.CourseID}
	c.logger.Info(ctx, "run started",
		zap.String("course_id", a.CourseID),
		zap.Int("sections", len(a.Sections)),
	)

	meta, metaTokens, metaVerdict := c.runMetadata(ctx, a)
	course.TokensSpent += metaTokens
	if meta == nil {
		c.rec.RunDuration(time.Since(start).Seconds())
		span.SetStatus(codes.Error, "metadata phase terminally failed")
		return course, fmt.Errorf("%w: metadata phase: %s", ErrRunFailed, verdictSummary(metaVerdict))
	}
	course.Metadata = *meta

	payloads, results := c.runSections(ctx, a, course)

	course.ValidationIssues = crossValidate(a, payloads)
	assemble(course, a, results)

	c.checkpoint(course)
	c.rec.RunDuration(time.Since(start).Seconds())

	if err := course.Verify(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return course, err
	}

	accepted := 0
	for _, s := range course.Sections {
		if s.State == artifact.SectionAccepted {
			accepted++
		}
	}
	fraction := float64(accepted) / float64(len(course.Sections))
	c.logger.Info(ctx, "run finished",
		zap.Int("accepted_sections", accepted),
		zap.Int("total_sections", len(course.Sections)),
		zap.Int("tokens_spent", course.TokensSpent),
		zap.Duration("elapsed", time.Since(start)),
	)

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "run cancelled")
		return course, fmt.Errorf("%w: cancelled after %d of %d sections", ErrRunFailed, accepted, len(course.Sections))
	}
	if fraction < c.cfg.MinSectionSuccess {
		span.SetStatus(codes.Error, "below section success threshold")
		return course, fmt.Errorf("%w: %d of %d sections accepted, need at least %.0f%%",
			ErrRunFailed, accepted, len(course.Sections), c.cfg.MinSectionSuccess*100)
	}
	return course, nil
}

// runMetadata runs the metadata lineage. Retrieval is disabled for this
// phase: course-level metadata derives from the analysis alone.
func (c *Coordinator) runMetadata(ctx context.Context, a *artifact.Analysis) (*artifact.CourseMetadata, int, artifact.GateVerdict) {
	res := c.runLineage(ctx, lineageInput{
		kind:   artifact.PhaseMetadata,
		system: phase.MetadataSystem(),
		base:   phase.BuildMetadataContext(a),
	})
	if !res.verdict.Passed {
		return nil, res.tokens, res.verdict
	}
	meta, err := artifact.ParseMetadataPayload(res.text)
	if err != nil {
		// The gate already parsed this payload; a failure here is a bug,
		// surfaced as a terminal verdict rather than a panic.
		return nil, res.tokens, artifact.GateVerdict{Issues: []artifact.Issue{{
			Code: artifact.IssueSchemaParse, Severity: artifact.SeverityFatal, Message: err.Error(),
		}}}
	}
	return meta, res.tokens, res.verdict
}

// sectionDone is a worker's report for one terminal section.
type sectionDone struct {
	id           string
	result       artifact.SectionResult
	payload      *artifact.SectionPayload
	tokens       int
	degradations []string
}

// runSections schedules section lineages in dependency order with bounded
// parallelism. A section becomes ready when every declared prerequisite is
// terminal; failed prerequisites unblock dependents but are recorded as
// degradation notes instead of contributing context.
func (c *Coordinator) runSections(ctx context.Context, a *artifact.Analysis, course *artifact.Course) (map[string]*artifact.SectionPayload, map[string]artifact.SectionResult) {
	remaining := make(map[string]int, len(a.Sections))
	waiters := make(map[string][]string)
	var ready []string
	for _, s := range a.Sections {
		remaining[s.ID] = len(s.Prerequisites)
		for _, p := range s.Prerequisites {
			waiters[p] = append(waiters[p], s.ID)
		}
		if len(s.Prerequisites) == 0 {
			ready = append(ready, s.ID)
		}
	}

	sem := semaphore.NewWeighted(int64(c.cfg.Parallelism))
	out := make(chan sectionDone, len(a.Sections))
	payloads := make(map[string]*artifact.SectionPayload, len(a.Sections))
	results := make(map[string]artifact.SectionResult, len(a.Sections))
	failedPrereqs := make(map[string][]string)

	launch := func(id string) {
		sec, _ := a.Section(id)
		prereqs := make([]artifact.SectionPayload, 0, len(sec.Prerequisites))
		for _, p := range sec.Prerequisites {
			if pay, ok := payloads[p]; ok {
				prereqs = append(prereqs, *pay)
			}
		}
		missing := failedPrereqs[id]
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				out <- sectionDone{id: id, result: cancelledResult(id)}
				return
			}
			defer sem.Release(1)
			out <- c.runSection(logging.WithSection(ctx, id), a, sec, prereqs, missing)
		}()
	}
	for _, id := range ready {
		launch(id)
	}

	for len(results) < len(a.Sections) {
		select {
		case done := <-out:
			if _, seen := results[done.id]; seen {
				continue
			}
			results[done.id] = done.result
			course.TokensSpent += done.tokens
			course.DegradationNotes = append(course.DegradationNotes, done.degradations...)
			if done.result.State == artifact.SectionAccepted {
				payloads[done.id] = done.payload
			}
			c.rec.SectionOutcome(string(done.result.State))
			c.checkpointResults(course, results)

			for _, dep := range waiters[done.id] {
				if done.result.State != artifact.SectionAccepted {
					failedPrereqs[dep] = append(failedPrereqs[dep], done.id)
				}
				remaining[dep]--
				if remaining[dep] == 0 {
					launch(dep)
				}
			}

		case <-ctx.Done():
			// Mark everything still pending or in flight as cancelled.
			// Workers observe the same cancellation and exit quickly;
			// their late reports are dropped by the seen check above.
			for _, s := range a.Sections {
				if _, ok := results[s.ID]; !ok {
					results[s.ID] = cancelledResult(s.ID)
					c.rec.SectionOutcome(string(artifact.SectionFailed))
				}
			}
			c.logger.Warn(ctx, "run cancelled with sections outstanding")
			return payloads, results
		}
	}
	return payloads, results
}

// runSection executes one section lineage and packages its terminal record.
func (c *Coordinator) runSection(ctx context.Context, a *artifact.Analysis, sec *artifact.Section, prereqs []artifact.SectionPayload, missingPrereqs []string) sectionDone {
	done := sectionDone{id: sec.ID}
	for _, p := range missingPrereqs {
		done.degradations = append(done.degradations,
			fmt.Sprintf("section %s generated without context from failed prerequisite %s", sec.ID, p))
	}

	res := c.runLineage(ctx, lineageInput{
		kind:      artifact.PhaseSectionBatch,
		sectionID: sec.ID,
		system:    phase.SectionSystem(),
		base:      phase.BuildSectionContext(a, sec, prereqs),
		scope:     retrieval.Scope{SectionID: sec.ID, Prerequisites: sec.Prerequisites},
		retrieval: true,
	})
	done.tokens = res.tokens
	done.degradations = append(done.degradations, res.degradations...)
	done.result = artifact.SectionResult{
		SectionID:    sec.ID,
		State:        artifact.SectionFailed,
		FinalVerdict: res.verdict,
		AttemptsUsed: res.attempts,
		ModelTier:    res.tierName,
	}
	if !res.verdict.Passed {
		return done
	}

	payload, err := artifact.ParseSectionPayload(res.text)
	if err != nil || payload.SectionID != sec.ID {
		done.result.FinalVerdict = artifact.GateVerdict{Issues: []artifact.Issue{{
			Code:     artifact.IssueSchemaParse,
			Severity: artifact.SeverityFatal,
			Message:  fmt.Sprintf("accepted payload does not round-trip for section %s", sec.ID),
		}}}
		return done
	}
	done.result.State = artifact.SectionAccepted
	done.result.Lessons = payload.Lessons
	done.payload = payload
	return done
}

type lineageInput struct {
	kind      artifact.PhaseKind
	sectionID string
	system    string
	base      string
	scope     retrieval.Scope
	retrieval bool
}

type lineageResult struct {
	verdict      artifact.GateVerdict
	text         string
	attempts     int
	tierName     string
	tokens       int
	degradations []string
}

// runLineage drives one phase through the retry and escalation state machine
// until the controller reaches a terminal outcome.
func (c *Coordinator) runLineage(ctx context.Context, in lineageInput) lineageResult {
	var res lineageResult
	tier, attempt := 0, 1
	tempAdjust := 0.0
	hint := ""

	for {
		t := c.tiers[tier]
		res.attempts++
		res.tierName = t.Name

		resp, queries, err := c.executor.Run(ctx, t.Client, phase.Request{
			Kind:             in.kind,
			SectionID:        in.sectionID,
			System:           in.system,
			BaseContext:      in.base + hint,
			Scope:            in.scope,
			RetrievalEnabled: in.retrieval,
			Model:            t.Model,
			Temperature:      clampTemp(t.Temperature + tempAdjust),
			MaxTokens:        t.MaxTokens,
			HardLimit:        t.ContextLimit,
			AttemptNumber:    attempt,
		})
		res.tokens += resp.Usage.InputTokens + resp.Usage.OutputTokens
		c.rec.TokensSpent(string(in.kind), resp.Usage.InputTokens, resp.Usage.OutputTokens)
		for _, q := range queries {
			c.rec.RetrievalQuery(q.Degraded)
			if q.Degraded {
				res.degradations = append(res.degradations,
					fmt.Sprintf("retrieval degraded for query %q during %s phase", q.Query, in.kind))
			}
		}

		if ctx.Err() != nil {
			res.verdict = cancelledVerdict()
			c.rec.Attempt(string(in.kind), string(escalate.OutcomeTerminallyFailed))
			return res
		}

		var verdict artifact.GateVerdict
		if err == nil {
			verdict = c.gate.Evaluate(in.kind, resp)
		} else {
			verdict = errorVerdict(err)
		}
		c.rec.GateScore(string(in.kind), verdict.Score)

		decision := c.controller.Decide(verdict, attempt, tier)
		c.rec.Attempt(string(in.kind), string(decision.Outcome))
		c.logger.Info(ctx, "attempt decided",
			zap.String("phase", string(in.kind)),
			zap.String("tier", t.Name),
			zap.Int("attempt", attempt),
			zap.Float64("score", verdict.Score),
			zap.String("outcome", string(decision.Outcome)),
		)

		switch decision.Outcome {
		case escalate.OutcomeAccepted, escalate.OutcomeTerminallyFailed:
			res.verdict = verdict
			res.text = resp.Text
			return res
		case escalate.OutcomeRetrySameModel:
			attempt = decision.NextAttempt
			tempAdjust += decision.TemperatureAdjust
			hint = "\n" + phase.RetryHint(verdict)
		case escalate.OutcomeRetryHigherModel:
			tier = decision.NextTier
			attempt = decision.NextAttempt
			tempAdjust = 0
			hint = "\n" + phase.RetryHint(verdict)
		}
	}
}

// errorVerdict maps executor errors onto gate-shaped verdicts so the
// controller sees one vocabulary of failures.
func errorVerdict(err error) artifact.GateVerdict {
	issue := func(code string, sev artifact.Severity) artifact.GateVerdict {
		return artifact.GateVerdict{Issues: []artifact.Issue{{Code: code, Severity: sev, Message: err.Error()}}}
	}
	switch {
	case errors.Is(err, model.ErrTransport):
		// Backoff retries are already exhausted; recoverable in-tier.
		return issue(artifact.IssueTransport, artifact.SeverityError)
	case errors.Is(err, budget.ErrBudgetExceeded):
		// Retrying the same tier cannot shrink the base context; a higher
		// tier may carry a larger window.
		return issue(artifact.IssueBudgetExceeded, artifact.SeverityFatal)
	case errors.Is(err, model.ErrProviderRejected):
		return issue(artifact.IssueProviderReject, artifact.SeverityFatal)
	default:
		// An error outside the known taxonomy. The transport code would
		// classify as a recoverable format failure and mask the fatal
		// severity, so unknown errors carry their own code and escalate.
		return issue(artifact.IssueInternal, artifact.SeverityFatal)
	}
}

func cancelledVerdict() artifact.GateVerdict {
	return artifact.GateVerdict{Issues: []artifact.Issue{{
		Code:     artifact.IssueCancelled,
		Severity: artifact.SeverityFatal,
		Message:  "run cancelled before the attempt completed",
	}}}
}

func cancelledResult(id string) artifact.SectionResult {
	return artifact.SectionResult{
		SectionID:    id,
		State:        artifact.SectionFailed,
		FinalVerdict: cancelledVerdict(),
	}
}

// crossValidate runs the local cross-section checks: duplicate lesson titles
// across sections and objective coverage per section. Both produce warnings;
// neither rejects an already accepted section.
func crossValidate(a *artifact.Analysis, payloads map[string]*artifact.SectionPayload) []artifact.Issue {
	var issues []artifact.Issue

	seen := make(map[string]string)
	for _, id := range a.SectionIDs() {
		p, ok := payloads[id]
		if !ok {
			continue
		}
		for _, l := range p.Lessons {
			key := strings.ToLower(strings.TrimSpace(l.Title))
			if prev, dup := seen[key]; dup && prev != id {
				issues = append(issues, artifact.Issue{
					Code:     artifact.IssueDuplicateTitle,
					Severity: artifact.SeverityWarning,
					Message:  fmt.Sprintf("lesson title %q appears in sections %s and %s", l.Title, prev, id),
				})
			} else {
				seen[key] = id
			}
		}
	}

	for _, sec := range a.Sections {
		p, ok := payloads[sec.ID]
		if !ok {
			continue
		}
		covered := coveredText(p)
		for _, obj := range sec.Objectives {
			if !objectiveCovered(obj, covered) {
				issues = append(issues, artifact.Issue{
					Code:     artifact.IssueObjectiveGap,
					Severity: artifact.SeverityWarning,
					Message:  fmt.Sprintf("section %s: no lesson covers objective %q", sec.ID, obj),
				})
			}
		}
	}
	return issues
}

func coveredText(p *artifact.SectionPayload) string {
	var b strings.Builder
	for _, l := range p.Lessons {
		b.WriteString(strings.ToLower(l.Title))
		b.WriteByte(' ')
		for _, o := range l.Objectives {
			b.WriteString(strings.ToLower(o))
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// objectiveCovered requires at least half of an objective's significant
// words to appear in the section's lesson text. Exact phrasing differs
// between the analysis and the generated lessons, so word overlap is the
// strongest local check available.
func objectiveCovered(objective, covered string) bool {
	words := strings.Fields(strings.ToLower(objective))
	significant, hits := 0, 0
	for _, w := range words {
		if len(w) < 4 {
			continue
		}
		significant++
		if strings.Contains(covered, w) {
			hits++
		}
	}
	if significant == 0 {
		return true
	}
	return hits*2 >= significant
}

// assemble writes section results into the course in analysis order, so that
// re-assembling the same accepted payloads yields byte-identical output.
func assemble(course *artifact.Course, a *artifact.Analysis, results map[string]artifact.SectionResult) {
	sort.Strings(course.DegradationNotes)

	ordered := make([]artifact.SectionResult, 0, len(a.Sections))
	for _, id := range a.SectionIDs() {
		if r, ok := results[id]; ok {
			ordered = append(ordered, r)
			continue
		}
		ordered = append(ordered, cancelledResult(id))
	}
	course.Sections = ordered
}

// runState is the checkpoint payload written to Config.StatePath.
type runState struct {
	RunID       string                           `json:"run_id"`
	CourseID    string                           `json:"course_id"`
	TokensSpent int                              `json:"tokens_spent"`
	Sections    map[string]artifact.SectionState `json:"sections"`
	UpdatedAt   time.Time                        `json:"updated_at"`
}

func (c *Coordinator) checkpointResults(course *artifact.Course, results map[string]artifact.SectionResult) {
	if c.cfg.StatePath == "" {
		return
	}
	states := make(map[string]artifact.SectionState, len(results))
	for id, r := range results {
		states[id] = r.State
	}
	st := runState{
		RunID:       course.RunID,
		CourseID:    course.CourseID,
		TokensSpent: course.TokensSpent,
		Sections:    states,
		UpdatedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.cfg.StatePath, data, 0o644); err != nil {
		c.logger.Warn(context.Background(), "writing run state checkpoint failed", zap.Error(err))
	}
}

func (c *Coordinator) checkpoint(course *artifact.Course) {
	if c.cfg.StatePath == "" {
		return
	}
	results := make(map[string]artifact.SectionResult, len(course.Sections))
	for _, s := range course.Sections {
		results[s.SectionID] = s
	}
	c.checkpointResults(course, results)
}

func verdictSummary(v artifact.GateVerdict) string {
	if len(v.Issues) == 0 {
		return fmt.Sprintf("score %.2f below threshold", v.Score)
	}
	parts := make([]string, 0, len(v.Issues))
	for _, i := range v.Issues {
		parts = append(parts, i.Code)
	}
	return strings.Join(parts, ", ")
}

func clampTemp(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}
