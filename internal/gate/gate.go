// Package gate validates phase outputs against schema and content heuristics,
// producing a pass/fail verdict with per-dimension scores and diagnostics.
package gate

import (
	"fmt"
	"strings"

	"github.com/maslennikov-ig/coursegen/internal/artifact"
	"github.com/maslennikov-ig/coursegen/internal/model"
)

// Config holds the gate's thresholds and heuristics. The exact numbers are
// deliberately configuration, not constants.
type Config struct {
	// AcceptThreshold is the minimum composite score for a pass.
	AcceptThreshold float64 `koanf:"accept_threshold"`

	// Dimension weights. Schema is weighted highest because a schema
	// violation breaks the downstream consumer outright.
	SchemaWeight   float64 `koanf:"schema_weight"`
	ContentWeight  float64 `koanf:"content_weight"`
	LanguageWeight float64 `koanf:"language_weight"`

	// LessonMin/LessonMax is the ideal lesson count per section.
	LessonMin int `koanf:"lesson_min"`
	LessonMax int `koanf:"lesson_max"`

	// MinOverviewChars is the minimum metadata overview length.
	MinOverviewChars int `koanf:"min_overview_chars"`

	// BannedVerbs are vague verbs that lower language quality when they
	// lead an objective ("understand", "know about", ...).
	BannedVerbs []string `koanf:"banned_verbs"`
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold:  0.75,
		SchemaWeight:     0.5,
		ContentWeight:    0.3,
		LanguageWeight:   0.2,
		LessonMin:        3,
		LessonMax:        5,
		MinOverviewChars: 120,
		BannedVerbs:      []string{"understand", "know", "learn about", "be familiar with", "appreciate"},
	}
}

// Gate evaluates phase outputs.
type Gate struct {
	cfg Config
}

// New creates a gate with the given config. Zero-value weights fall back to
// defaults.
func New(cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.AcceptThreshold == 0 {
		cfg.AcceptThreshold = def.AcceptThreshold
	}
	if cfg.SchemaWeight == 0 && cfg.ContentWeight == 0 && cfg.LanguageWeight == 0 {
		cfg.SchemaWeight = def.SchemaWeight
		cfg.ContentWeight = def.ContentWeight
		cfg.LanguageWeight = def.LanguageWeight
	}
	if cfg.LessonMin == 0 {
		cfg.LessonMin = def.LessonMin
	}
	if cfg.LessonMax == 0 {
		cfg.LessonMax = def.LessonMax
	}
	if cfg.MinOverviewChars == 0 {
		cfg.MinOverviewChars = def.MinOverviewChars
	}
	if cfg.BannedVerbs == nil {
		cfg.BannedVerbs = def.BannedVerbs
	}
	return &Gate{cfg: cfg}
}

// Evaluate validates one phase attempt. Truncated or empty responses always
// fail with a recoverable issue; they are never silently accepted.
func (g *Gate) Evaluate(kind artifact.PhaseKind, resp model.Response) artifact.GateVerdict {
	switch resp.FinishReason {
	case model.FinishTruncated:
		return formatFailure(artifact.IssueTruncated, "model output was truncated before completion")
	case model.FinishEmpty:
		return formatFailure(artifact.IssueEmptyResponse, "model returned an empty payload")
	case model.FinishError:
		return formatFailure(artifact.IssueTransport, "model invocation ended in error")
	}

	switch kind {
	case artifact.PhaseMetadata:
		return g.evaluateMetadata(resp.Text)
	case artifact.PhaseSectionBatch:
		return g.evaluateSectionBatch(resp.Text)
	default:
		return formatFailure(artifact.IssueSchemaParse, fmt.Sprintf("no gate schema for phase kind %q", kind))
	}
}

// formatFailure builds the verdict for a recoverable format failure: zero
// schema compliance, not retried with the same prompt unchanged.
func formatFailure(code, msg string) artifact.GateVerdict {
	return artifact.GateVerdict{
		Passed: false,
		Score:  0,
		DimensionScores: map[string]float64{
			artifact.DimSchemaCompliance: 0,
			artifact.DimContentQuality:   0,
			artifact.DimLanguageQuality:  0,
		},
		Issues: []artifact.Issue{{Code: code, Severity: artifact.SeverityError, Message: msg}},
	}
}

func (g *Gate) evaluateMetadata(text string) artifact.GateVerdict {
	meta, err := artifact.ParseMetadataPayload(text)
	if err != nil {
		return formatFailure(artifact.IssueSchemaParse, err.Error())
	}

	var issues []artifact.Issue
	schema := 1.0
	blocking := false
	if meta.Title == "" {
		schema -= 0.5
		blocking = true
		issues = append(issues, missingField("title"))
	}
	if meta.Overview == "" {
		schema -= 0.5
		blocking = true
		issues = append(issues, missingField("overview"))
	}

	content := 1.0
	if n := len(meta.Overview); meta.Overview != "" && n < g.cfg.MinOverviewChars {
		content = float64(n) / float64(g.cfg.MinOverviewChars)
		issues = append(issues, artifact.Issue{
			Code:     artifact.IssueShortOverview,
			Severity: artifact.SeverityWarning,
			Message:  fmt.Sprintf("overview is %d chars, below the %d minimum", n, g.cfg.MinOverviewChars),
		})
	}

	language, langIssues := g.scoreLanguage([]string{meta.Overview})
	issues = append(issues, langIssues...)

	verdict := g.compose(schema, content, language, issues)
	if blocking {
		// Title and overview are required downstream; an absent field keeps
		// the other dimensions at full marks, so the composite alone can
		// still clear the threshold. Never accept on that technicality.
		verdict.Passed = false
	}
	return verdict
}

func (g *Gate) evaluateSectionBatch(text string) artifact.GateVerdict {
	payload, err := artifact.ParseSectionPayload(text)
	if err != nil {
		return formatFailure(artifact.IssueSchemaParse, err.Error())
	}

	var issues []artifact.Issue
	schema := 1.0
	if payload.SectionID == "" {
		schema -= 0.3
		issues = append(issues, missingField("section_id"))
	}

	// Zero lessons is always fatal: there is nothing downstream can use,
	// and a weak model that produced nothing will not do better retrying
	// the same prompt.
	if len(payload.Lessons) == 0 {
		return artifact.GateVerdict{
			Passed: false,
			Score:  0,
			DimensionScores: map[string]float64{
				artifact.DimSchemaCompliance: schema,
				artifact.DimContentQuality:   0,
				artifact.DimLanguageQuality:  0,
			},
			Issues: append(issues, artifact.Issue{
				Code:     artifact.IssueEmptyLessonList,
				Severity: artifact.SeverityFatal,
				Message:  "section batch produced zero lessons",
			}),
		}
	}

	// Each missing or malformed lesson field lowers schema compliance
	// proportionally.
	perLesson := 0.7 / float64(len(payload.Lessons))
	var objectiveTexts []string
	for i, l := range payload.Lessons {
		missing := 0
		if l.Title == "" {
			missing++
			issues = append(issues, missingField(fmt.Sprintf("lessons[%d].title", i)))
		}
		if len(l.Objectives) == 0 {
			missing++
			issues = append(issues, missingField(fmt.Sprintf("lessons[%d].objectives", i)))
		}
		if l.GenerationPrompt == "" {
			missing++
			issues = append(issues, missingField(fmt.Sprintf("lessons[%d].generation_prompt", i)))
		}
		schema -= perLesson * float64(missing) / 3
		objectiveTexts = append(objectiveTexts, l.Objectives...)
	}
	if schema < 0 {
		schema = 0
	}

	content := 1.0
	if n := len(payload.Lessons); n < g.cfg.LessonMin || n > g.cfg.LessonMax {
		content = 0.5
		issues = append(issues, artifact.Issue{
			Code:     artifact.IssueLessonCount,
			Severity: artifact.SeverityWarning,
			Message:  fmt.Sprintf("%d lessons, outside the ideal %d-%d range", n, g.cfg.LessonMin, g.cfg.LessonMax),
		})
	}

	language, langIssues := g.scoreLanguage(objectiveTexts)
	issues = append(issues, langIssues...)

	return g.compose(schema, content, language, issues)
}

// scoreLanguage applies the vague-verb heuristic over the given texts.
func (g *Gate) scoreLanguage(texts []string) (float64, []artifact.Issue) {
	if len(texts) == 0 {
		return 1.0, nil
	}
	hits := 0
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, verb := range g.cfg.BannedVerbs {
			if strings.HasPrefix(lower, verb+" ") || strings.Contains(lower, " "+verb+" ") {
				hits++
				break
			}
		}
	}
	if hits == 0 {
		return 1.0, nil
	}
	score := 1.0 - float64(hits)/float64(len(texts))
	return score, []artifact.Issue{{
		Code:     artifact.IssueVagueLanguage,
		Severity: artifact.SeverityWarning,
		Message:  fmt.Sprintf("%d of %d statements use vague verbs", hits, len(texts)),
	}}
}

// compose builds the final verdict from dimension scores.
func (g *Gate) compose(schema, content, language float64, issues []artifact.Issue) artifact.GateVerdict {
	totalWeight := g.cfg.SchemaWeight + g.cfg.ContentWeight + g.cfg.LanguageWeight
	score := (schema*g.cfg.SchemaWeight + content*g.cfg.ContentWeight + language*g.cfg.LanguageWeight) / totalWeight

	verdict := artifact.GateVerdict{
		Score: score,
		DimensionScores: map[string]float64{
			artifact.DimSchemaCompliance: schema,
			artifact.DimContentQuality:   content,
			artifact.DimLanguageQuality:  language,
		},
		Issues: issues,
	}
	verdict.Passed = score >= g.cfg.AcceptThreshold && !verdict.Fatal()
	return verdict
}

func missingField(field string) artifact.Issue {
	return artifact.Issue{
		Code:     artifact.IssueMissingField,
		Severity: artifact.SeverityError,
		Message:  fmt.Sprintf("missing required field %s", field),
	}
}
