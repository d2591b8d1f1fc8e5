package artifact

import (
	"encoding/json"
	"fmt"
)

const (
	minSections = 3
	maxSections = 7
)

// ParseAnalysis decodes and validates an analysis artifact. Any violation of
// the input schema is fatal: the pipeline must not issue a single model call
// against a malformed artifact.
func ParseAnalysis(data []byte) (*Analysis, error) {
	var a Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: decoding analysis: %v", ErrSchemaViolation, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks the structural invariants of the analysis artifact:
// section count bounds, unique ids, known prerequisites forming a DAG,
// positive hour estimates and known difficulty values.
func (a *Analysis) Validate() error {
	if a.CourseID == "" {
		return fmt.Errorf("%w: missing course_id", ErrSchemaViolation)
	}
	if n := len(a.Sections); n < minSections || n > maxSections {
		return fmt.Errorf("%w: %d sections (expected %d-%d)", ErrSchemaViolation, n, minSections, maxSections)
	}

	seen := make(map[string]struct{}, len(a.Sections))
	for _, s := range a.Sections {
		if s.ID == "" {
			return fmt.Errorf("%w: section with empty section_id", ErrSchemaViolation)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate section_id %q", ErrSchemaViolation, s.ID)
		}
		seen[s.ID] = struct{}{}

		if len(s.Objectives) == 0 {
			return fmt.Errorf("%w: section %q has no objectives", ErrSchemaViolation, s.ID)
		}
		if s.EstimatedHours <= 0 {
			return fmt.Errorf("%w: section %q has non-positive estimated_hours", ErrSchemaViolation, s.ID)
		}
		if !s.Difficulty.valid() {
			return fmt.Errorf("%w: section %q has unknown difficulty %q", ErrSchemaViolation, s.ID, s.Difficulty)
		}
	}

	for _, s := range a.Sections {
		for _, p := range s.Prerequisites {
			if _, ok := seen[p]; !ok {
				return fmt.Errorf("%w: section %q references unknown prerequisite %q", ErrSchemaViolation, s.ID, p)
			}
			if p == s.ID {
				return fmt.Errorf("%w: section %q lists itself as prerequisite", ErrSchemaViolation, s.ID)
			}
		}
	}

	if err := a.checkAcyclic(); err != nil {
		return err
	}
	return nil
}

// checkAcyclic verifies the prerequisite graph is a DAG using Kahn's
// algorithm. A cycle makes the scheduling order unsatisfiable.
func (a *Analysis) checkAcyclic() error {
	indegree := make(map[string]int, len(a.Sections))
	dependents := make(map[string][]string, len(a.Sections))
	for _, s := range a.Sections {
		indegree[s.ID] += 0
		for _, p := range s.Prerequisites {
			indegree[s.ID]++
			dependents[p] = append(dependents[p], s.ID)
		}
	}

	queue := make([]string, 0, len(a.Sections))
	for _, s := range a.Sections {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if resolved != len(a.Sections) {
		return fmt.Errorf("%w: prerequisite cycle detected", ErrSchemaViolation)
	}
	return nil
}
