package phase

import (
	"fmt"
	"strings"

	"github.com/maslennikov-ig/coursegen/internal/artifact"
)

// Prompts keep a fixed shape so token estimates stay stable across attempts.
// Retry hints are appended at the end, never interleaved.

const metadataSystem = `You are a course designer. You produce strict JSON with no commentary.
Respond with a single JSON object matching the requested schema. Do not wrap it in markdown fences.`

const sectionSystem = `You are a course content author. You produce strict JSON with no commentary.
Respond with a single JSON object matching the requested schema. Do not wrap it in markdown fences.
You may call the search_course_material tool to look up source material before answering.`

// MetadataSystem returns the system prompt for the metadata phase.
func MetadataSystem() string { return metadataSystem }

// SectionSystem returns the system prompt for section batch phases.
func SectionSystem() string { return sectionSystem }

// BuildMetadataContext renders the metadata phase prompt from the analysis.
func BuildMetadataContext(a *artifact.Analysis) string {
	var b strings.Builder
	b.WriteString("Design course-level metadata for the course outlined below.\n\n")
	writeAnalysisSummary(&b, a)
	b.WriteString(`
Produce a JSON object with fields:
  "title": string, the course title
  "overview": string, at least two paragraphs describing the course
  "audience": string, who the course is for
`)
	return b.String()
}

// BuildSectionContext renders the section batch prompt for one section,
// including lesson titles of its accepted prerequisites so the new lessons
// build on what came before without repeating it.
func BuildSectionContext(a *artifact.Analysis, sec *artifact.Section, prereqs []artifact.SectionPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the lessons for section %q of the course outlined below.\n\n", sec.ID)
	writeAnalysisSummary(&b, a)

	fmt.Fprintf(&b, "\nSection to author:\n  id: %s\n  difficulty: %s\n  estimated hours: %.1f\n",
		sec.ID, sec.Difficulty, sec.EstimatedHours)
	b.WriteString("  objectives:\n")
	for _, obj := range sec.Objectives {
		fmt.Fprintf(&b, "    - %s\n", obj)
	}
	if len(sec.KeyTopics) > 0 {
		fmt.Fprintf(&b, "  key topics: %s\n", strings.Join(sec.KeyTopics, ", "))
	}
	writeGuidance(&b, sec.Guidance)

	if len(prereqs) > 0 {
		b.WriteString("\nCompleted prerequisite sections (do not repeat their content):\n")
		for _, p := range prereqs {
			fmt.Fprintf(&b, "  %s: %s\n", p.SectionID, lessonTitles(p))
		}
	}

	b.WriteString(`
Produce a JSON object with fields:
  "section_id": string, the section id exactly as given
  "lessons": array of 3 to 5 lessons, each with:
    "title": string
    "objectives": array of strings
    "topics": array of {"name": string, "subtopics": [...]}
    "exercises": array of {"type": string, "prompt": string}
    "generation_prompt": string, a self-contained prompt that could regenerate this lesson's full text
Every objective of the section must be covered by at least one lesson.
`)
	return b.String()
}

// RetryHint renders a corrective suffix from a prior failed verdict so the
// next attempt can avoid repeating the same defects.
func RetryHint(verdict artifact.GateVerdict) string {
	if len(verdict.Issues) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nYour previous answer was rejected for these reasons; fix every one of them:\n")
	for _, iss := range verdict.Issues {
		fmt.Fprintf(&b, "  - %s\n", iss.Message)
	}
	return b.String()
}

func writeAnalysisSummary(b *strings.Builder, a *artifact.Analysis) {
	fmt.Fprintf(b, "Course: %s\n", a.Title)
	b.WriteString("Sections:\n")
	for _, s := range a.Sections {
		fmt.Fprintf(b, "  %s (%s, %.1fh", s.ID, s.Difficulty, s.EstimatedHours)
		if len(s.Prerequisites) > 0 {
			fmt.Fprintf(b, ", after %s", strings.Join(s.Prerequisites, ", "))
		}
		b.WriteString(")\n")
		for _, obj := range s.Objectives {
			fmt.Fprintf(b, "    - %s\n", obj)
		}
	}
}

func writeGuidance(b *strings.Builder, g artifact.Guidance) {
	if g.Tone != "" {
		fmt.Fprintf(b, "  tone: %s\n", g.Tone)
	}
	if len(g.AvoidJargon) > 0 {
		fmt.Fprintf(b, "  avoid jargon: %s\n", strings.Join(g.AvoidJargon, ", "))
	}
	if len(g.Analogies) > 0 {
		fmt.Fprintf(b, "  suggested analogies: %s\n", strings.Join(g.Analogies, ", "))
	}
	if len(g.ExerciseTypes) > 0 {
		fmt.Fprintf(b, "  exercise types: %s\n", strings.Join(g.ExerciseTypes, ", "))
	}
}

func lessonTitles(p artifact.SectionPayload) string {
	titles := make([]string, 0, len(p.Lessons))
	for _, l := range p.Lessons {
		titles = append(titles, l.Title)
	}
	return strings.Join(titles, "; ")
}
