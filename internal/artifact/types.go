// Package artifact defines the data model shared across the generation
// pipeline: the analysis artifact produced by the upstream document-analysis
// stage, the course-structure artifact consumed downstream, and the gate
// verdicts attached to both.
package artifact

import "errors"

// ErrSchemaViolation is returned when an input or output artifact does not
// match its schema. Input-side violations are fatal to the whole run;
// output-side violations are recoverable per-attempt failures.
var ErrSchemaViolation = errors.New("schema violation")

// Difficulty is the declared difficulty of a course section.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// valid reports whether the difficulty is one of the known values.
func (d Difficulty) valid() bool {
	switch d {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced:
		return true
	}
	return false
}

// PhaseKind identifies one stage of the generation pipeline.
type PhaseKind string

const (
	PhaseMetadata     PhaseKind = "metadata"
	PhaseSectionBatch PhaseKind = "section_batch"
	PhaseValidation   PhaseKind = "validation"
)

// Guidance carries free-form generation constraints for a section.
type Guidance struct {
	Tone          string   `json:"tone,omitempty"`
	AvoidJargon   []string `json:"avoid_jargon,omitempty"`
	Analogies     []string `json:"analogies,omitempty"`
	ExerciseTypes []string `json:"exercise_types,omitempty"`
}

// Section is one course section of the analysis artifact.
type Section struct {
	ID             string     `json:"section_id"`
	Objectives     []string   `json:"objectives"`
	KeyTopics      []string   `json:"key_topics"`
	EstimatedHours float64    `json:"estimated_hours"`
	Difficulty     Difficulty `json:"difficulty"`
	Prerequisites  []string   `json:"prerequisites,omitempty"`
	Guidance       Guidance   `json:"generation_guidance,omitempty"`
}

// Analysis is the immutable input artifact. It is created once by the
// upstream stage and read-only to the pipeline.
type Analysis struct {
	CourseID string    `json:"course_id"`
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
}

// Section returns the section with the given id, if present.
func (a *Analysis) Section(id string) (*Section, bool) {
	for i := range a.Sections {
		if a.Sections[i].ID == id {
			return &a.Sections[i], true
		}
	}
	return nil, false
}

// Prerequisites returns the declared prerequisite ids of a section.
// Unknown section ids yield nil.
func (a *Analysis) Prerequisites(id string) []string {
	s, ok := a.Section(id)
	if !ok {
		return nil
	}
	return s.Prerequisites
}

// SectionIDs returns the section ids in artifact order.
func (a *Analysis) SectionIDs() []string {
	ids := make([]string, len(a.Sections))
	for i, s := range a.Sections {
		ids[i] = s.ID
	}
	return ids
}
