package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Topic is a node in a lesson's topic tree.
type Topic struct {
	Name      string  `json:"name"`
	Subtopics []Topic `json:"subtopics,omitempty"`
}

// Exercise is one practice item attached to a lesson.
type Exercise struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// Lesson is one lesson specification inside a section. GenerationPrompt is a
// ready-to-use prompt string for the downstream content renderer; it requires
// no further interpretation.
type Lesson struct {
	Title            string     `json:"title"`
	Objectives       []string   `json:"objectives"`
	Topics           []Topic    `json:"topics,omitempty"`
	Exercises        []Exercise `json:"exercises,omitempty"`
	GenerationPrompt string     `json:"generation_prompt"`
}

// CourseMetadata is the payload of the metadata phase.
type CourseMetadata struct {
	Title    string `json:"title"`
	Overview string `json:"overview"`
	Audience string `json:"audience,omitempty"`
}

// SectionPayload is the payload of one section-batch phase.
type SectionPayload struct {
	SectionID string   `json:"section_id"`
	Lessons   []Lesson `json:"lessons"`
}

// SectionState is the lifecycle state of one section within a run.
type SectionState string

const (
	SectionPending  SectionState = "pending"
	SectionAccepted SectionState = "accepted"
	SectionFailed   SectionState = "failed"
)

// SectionResult is the terminal record for one section: its lessons if
// accepted, the last gate verdict either way, and the attempts consumed.
type SectionResult struct {
	SectionID    string       `json:"section_id"`
	State        SectionState `json:"state"`
	Lessons      []Lesson     `json:"lessons,omitempty"`
	FinalVerdict GateVerdict  `json:"final_verdict"`
	AttemptsUsed int          `json:"attempts_used"`
	ModelTier    string       `json:"model_tier,omitempty"`
}

// Course is the output artifact. Sections appear in analysis order and every
// analysis section has exactly one entry, including terminally failed ones,
// so that failures surface with actionable diagnostics rather than silently
// disappearing.
type Course struct {
	RunID            string          `json:"run_id"`
	CourseID         string          `json:"course_id"`
	Metadata         CourseMetadata  `json:"metadata"`
	Sections         []SectionResult `json:"sections"`
	TokensSpent      int             `json:"tokens_spent"`
	ValidationIssues []Issue         `json:"validation_issues,omitempty"`
	DegradationNotes []string        `json:"degradation_notes,omitempty"`
}

// MarshalStable renders the course artifact as deterministic JSON: field
// order follows struct declaration and no map iteration reaches the encoder
// except DimensionScores, which encoding/json sorts by key. Re-assembling the
// same accepted results must produce byte-identical output.
func (c *Course) MarshalStable() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encoding course artifact: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify is the final verification step: a schema check of the fully
// assembled artifact before it is handed downstream.
func (c *Course) Verify() error {
	if c.RunID == "" {
		return fmt.Errorf("%w: assembled course missing run_id", ErrSchemaViolation)
	}
	if c.CourseID == "" {
		return fmt.Errorf("%w: assembled course missing course_id", ErrSchemaViolation)
	}
	if c.Metadata.Title == "" || c.Metadata.Overview == "" {
		return fmt.Errorf("%w: assembled course missing metadata", ErrSchemaViolation)
	}
	for _, s := range c.Sections {
		if s.SectionID == "" {
			return fmt.Errorf("%w: section result missing section_id", ErrSchemaViolation)
		}
		if s.State == SectionAccepted {
			if len(s.Lessons) == 0 {
				return fmt.Errorf("%w: accepted section %q has no lessons", ErrSchemaViolation, s.SectionID)
			}
			for _, l := range s.Lessons {
				if l.Title == "" || l.GenerationPrompt == "" {
					return fmt.Errorf("%w: section %q has a lesson without title or generation_prompt", ErrSchemaViolation, s.SectionID)
				}
			}
		}
	}
	return nil
}

// ParseMetadataPayload decodes a metadata-phase model response.
func ParseMetadataPayload(text string) (*CourseMetadata, error) {
	var m CourseMetadata
	if err := json.Unmarshal(extractJSON(text), &m); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata payload: %v", ErrSchemaViolation, err)
	}
	return &m, nil
}

// ParseSectionPayload decodes a section-batch model response.
func ParseSectionPayload(text string) (*SectionPayload, error) {
	var p SectionPayload
	if err := json.Unmarshal(extractJSON(text), &p); err != nil {
		return nil, fmt.Errorf("%w: decoding section payload: %v", ErrSchemaViolation, err)
	}
	return &p, nil
}

// extractJSON strips a markdown code fence if the model wrapped its JSON in
// one. Anything else is passed through unchanged and left to the decoder.
func extractJSON(text string) []byte {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	return []byte(trimmed)
}
