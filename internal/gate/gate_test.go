package gate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maslennikov-ig/coursegen/internal/artifact"
	"github.com/maslennikov-ig/coursegen/internal/model"
)

func goodSectionJSON() string {
	return `{
		"section_id": "s1",
		"lessons": [
			{"title": "Stacks", "objectives": ["implement a stack with slices"], "generation_prompt": "Write a lesson covering stack operations push, pop, peek with Go slice examples and two exercises."},
			{"title": "Queues", "objectives": ["implement a queue and ring buffer"], "generation_prompt": "Write a lesson covering queue semantics, ring buffers, and amortized cost, with worked examples."},
			{"title": "Linked Lists", "objectives": ["build and traverse singly linked lists"], "generation_prompt": "Write a lesson covering node structs, insertion, deletion, and traversal with diagrams."}
		]
	}`
}

func TestEvaluate_SectionBatchPasses(t *testing.T) {
	g := New(Config{})
	verdict := g.Evaluate(artifact.PhaseSectionBatch, model.Response{
		Text:         goodSectionJSON(),
		FinishReason: model.FinishComplete,
	})

	assert.True(t, verdict.Passed)
	assert.InDelta(t, 1.0, verdict.Score, 0.01)
	assert.Empty(t, verdict.Issues)
}

func TestEvaluate_TruncatedNeverPasses(t *testing.T) {
	g := New(Config{})
	verdict := g.Evaluate(artifact.PhaseSectionBatch, model.Response{
		Text:         `{"section_id": "s1", "lessons": [{"ti`,
		FinishReason: model.FinishTruncated,
	})

	assert.False(t, verdict.Passed)
	assert.True(t, verdict.HasIssue(artifact.IssueTruncated))
	assert.Equal(t, 0.0, verdict.DimensionScores[artifact.DimSchemaCompliance])
}

func TestEvaluate_EmptyNeverPasses(t *testing.T) {
	g := New(Config{})
	verdict := g.Evaluate(artifact.PhaseSectionBatch, model.Response{FinishReason: model.FinishEmpty})

	assert.False(t, verdict.Passed)
	assert.True(t, verdict.HasIssue(artifact.IssueEmptyResponse))
}

func TestEvaluate_ParseFailure(t *testing.T) {
	g := New(Config{})
	verdict := g.Evaluate(artifact.PhaseSectionBatch, model.Response{
		Text:         "I'd be happy to help with that course!",
		FinishReason: model.FinishComplete,
	})

	assert.False(t, verdict.Passed)
	assert.True(t, verdict.HasIssue(artifact.IssueSchemaParse))
	assert.Equal(t, 0.0, verdict.DimensionScores[artifact.DimSchemaCompliance])
}

func TestEvaluate_ZeroLessonsIsFatal(t *testing.T) {
	g := New(Config{})
	verdict := g.Evaluate(artifact.PhaseSectionBatch, model.Response{
		Text:         `{"section_id": "s1", "lessons": []}`,
		FinishReason: model.FinishComplete,
	})

	assert.False(t, verdict.Passed)
	assert.True(t, verdict.Fatal())
	assert.True(t, verdict.HasIssue(artifact.IssueEmptyLessonList))
}

func TestEvaluate_LessonCountOutsideRangeLowersContent(t *testing.T) {
	g := New(Config{})
	var lessons []string
	for i := 0; i < 8; i++ {
		lessons = append(lessons, `{"title": "L`+string(rune('0'+i))+`", "objectives": ["build the thing"], "generation_prompt": "Write a full lesson with exercises and worked examples for this topic."}`)
	}
	text := `{"section_id": "s1", "lessons": [` + strings.Join(lessons, ",") + `]}`

	verdict := g.Evaluate(artifact.PhaseSectionBatch, model.Response{
		Text:         text,
		FinishReason: model.FinishComplete,
	})

	// Count outside the ideal range lowers content quality but does not
	// by itself fail the gate.
	assert.True(t, verdict.HasIssue(artifact.IssueLessonCount))
	assert.Equal(t, 0.5, verdict.DimensionScores[artifact.DimContentQuality])
	assert.False(t, verdict.Fatal())
}

func TestEvaluate_MissingFieldsLowerSchemaProportionally(t *testing.T) {
	g := New(Config{})
	text := `{
		"section_id": "s1",
		"lessons": [
			{"title": "", "objectives": ["do x"], "generation_prompt": "p"},
			{"title": "B", "objectives": ["do y"], "generation_prompt": "p"},
			{"title": "C", "objectives": ["do z"], "generation_prompt": "p"}
		]
	}`
	verdict := g.Evaluate(artifact.PhaseSectionBatch, model.Response{
		Text:         text,
		FinishReason: model.FinishComplete,
	})

	schema := verdict.DimensionScores[artifact.DimSchemaCompliance]
	assert.Less(t, schema, 1.0)
	assert.Greater(t, schema, 0.8)
	assert.True(t, verdict.HasIssue(artifact.IssueMissingField))
}

func TestEvaluate_VagueVerbsLowerLanguage(t *testing.T) {
	g := New(Config{})
	text := `{
		"section_id": "s1",
		"lessons": [
			{"title": "A", "objectives": ["understand recursion"], "generation_prompt": "p"},
			{"title": "B", "objectives": ["implement quicksort"], "generation_prompt": "p"},
			{"title": "C", "objectives": ["know about trees"], "generation_prompt": "p"}
		]
	}`
	verdict := g.Evaluate(artifact.PhaseSectionBatch, model.Response{
		Text:         text,
		FinishReason: model.FinishComplete,
	})

	assert.True(t, verdict.HasIssue(artifact.IssueVagueLanguage))
	assert.Less(t, verdict.DimensionScores[artifact.DimLanguageQuality], 1.0)
}

func TestEvaluate_MetadataShortOverview(t *testing.T) {
	g := New(Config{})
	verdict := g.Evaluate(artifact.PhaseMetadata, model.Response{
		Text:         `{"title": "Algorithms", "overview": "Too short."}`,
		FinishReason: model.FinishComplete,
	})

	assert.True(t, verdict.HasIssue(artifact.IssueShortOverview))
	assert.Less(t, verdict.DimensionScores[artifact.DimContentQuality], 1.0)
}

func TestEvaluate_MetadataMissingOverviewBlocks(t *testing.T) {
	// With overview absent the content and language checks have nothing to
	// fault, so the weighted composite lands exactly on the default
	// threshold. The missing field must still reject the payload.
	g := New(Config{})
	verdict := g.Evaluate(artifact.PhaseMetadata, model.Response{
		Text:         `{"title": "A Course", "audience": "anyone"}`,
		FinishReason: model.FinishComplete,
	})

	assert.False(t, verdict.Passed)
	assert.True(t, verdict.HasIssue(artifact.IssueMissingField))
}

func TestEvaluate_MetadataMissingTitleBlocks(t *testing.T) {
	g := New(Config{})
	overview := strings.Repeat("A practical course covering data structures. ", 5)
	verdict := g.Evaluate(artifact.PhaseMetadata, model.Response{
		Text:         `{"overview": "` + overview + `"}`,
		FinishReason: model.FinishComplete,
	})

	assert.False(t, verdict.Passed)
	assert.True(t, verdict.HasIssue(artifact.IssueMissingField))
}

func TestEvaluate_MetadataPasses(t *testing.T) {
	g := New(Config{})
	overview := strings.Repeat("A practical course covering data structures. ", 5)
	verdict := g.Evaluate(artifact.PhaseMetadata, model.Response{
		Text:         `{"title": "Algorithms", "overview": "` + overview + `"}`,
		FinishReason: model.FinishComplete,
	})

	require.True(t, verdict.Passed, "issues: %v", verdict.Issues)
}

func TestEvaluate_CodeFencedJSONAccepted(t *testing.T) {
	g := New(Config{})
	verdict := g.Evaluate(artifact.PhaseSectionBatch, model.Response{
		Text:         "```json\n" + goodSectionJSON() + "\n```",
		FinishReason: model.FinishComplete,
	})
	assert.True(t, verdict.Passed)
}
