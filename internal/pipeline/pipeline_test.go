package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maslennikov-ig/coursegen/internal/artifact"
	"github.com/maslennikov-ig/coursegen/internal/budget"
	"github.com/maslennikov-ig/coursegen/internal/escalate"
	"github.com/maslennikov-ig/coursegen/internal/gate"
	"github.com/maslennikov-ig/coursegen/internal/logging"
	"github.com/maslennikov-ig/coursegen/internal/model"
	"github.com/maslennikov-ig/coursegen/internal/phase"
)

// fakeModel routes scripted responses by which phase a prompt belongs to:
// "metadata" or a section id. The last response in a script repeats.
type fakeModel struct {
	mu      sync.Mutex
	scripts map[string][]model.Response
	counts  map[string]int
	calls   []string
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		scripts: make(map[string][]model.Response),
		counts:  make(map[string]int),
	}
}

var sectionPromptRe = regexp.MustCompile(`section "([^"]+)"`)

func routeKey(prompt string) string {
	if strings.Contains(prompt, "course-level metadata") {
		return "metadata"
	}
	if m := sectionPromptRe.FindStringSubmatch(prompt); m != nil {
		return m[1]
	}
	return "unknown"
}

func (m *fakeModel) Invoke(_ context.Context, req model.Request) (model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := routeKey(req.Prompt)
	m.calls = append(m.calls, key)
	script, ok := m.scripts[key]
	if !ok || len(script) == 0 {
		return model.Response{}, fmt.Errorf("%w: no script for %q", model.ErrTransport, key)
	}
	i := m.counts[key]
	m.counts[key]++
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i], nil
}

func (m *fakeModel) callCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *fakeModel) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func okResponse(text string) model.Response {
	return model.Response{
		Text:         text,
		FinishReason: model.FinishComplete,
		Usage:        model.Usage{InputTokens: 100, OutputTokens: 200},
	}
}

func truncatedResponse() model.Response {
	return model.Response{
		FinishReason: model.FinishTruncated,
		Usage:        model.Usage{InputTokens: 100},
	}
}

const validMetadataJSON = `{
  "title": "Practical Go for Backend Engineers",
  "overview": "This course takes working backend engineers from their first Go program to production services. It covers the toolchain, the type system, concurrency with goroutines and channels, and the habits that keep large Go codebases maintainable over years of change.",
  "audience": "backend engineers new to Go"
}`

func validSectionJSON(id string) string {
	lessons := make([]string, 3)
	for i := range lessons {
		lessons[i] = fmt.Sprintf(`{
  "title": "%s lesson %d",
  "objectives": ["write programs that exercise topic %d of %s"],
  "generation_prompt": "Write the full text of lesson %d for section %s."
}`, id, i+1, i+1, id, i+1, id)
	}
	return fmt.Sprintf(`{"section_id": %q, "lessons": [%s]}`, id, strings.Join(lessons, ","))
}

func emptyLessonsJSON(id string) string {
	return fmt.Sprintf(`{"section_id": %q, "lessons": []}`, id)
}

// fourSectionAnalysis builds the diamond graph s1 -> {s2, s3} -> s4.
func fourSectionAnalysis() *artifact.Analysis {
	return &artifact.Analysis{
		CourseID: "go-101",
		Title:    "Practical Go",
		Sections: []artifact.Section{
			{ID: "sec-1", Objectives: []string{"install the toolchain and build a binary"},
				EstimatedHours: 2, Difficulty: artifact.DifficultyBeginner},
			{ID: "sec-2", Objectives: []string{"write concurrent pipelines with goroutines"},
				EstimatedHours: 4, Difficulty: artifact.DifficultyIntermediate, Prerequisites: []string{"sec-1"}},
			{ID: "sec-3", Objectives: []string{"structure packages and handle errors"},
				EstimatedHours: 3, Difficulty: artifact.DifficultyIntermediate, Prerequisites: []string{"sec-1"}},
			{ID: "sec-4", Objectives: []string{"ship and operate a production service"},
				EstimatedHours: 5, Difficulty: artifact.DifficultyAdvanced, Prerequisites: []string{"sec-2", "sec-3"}},
		},
	}
}

func scriptAllValid(m *fakeModel) {
	m.scripts["metadata"] = []model.Response{okResponse(validMetadataJSON)}
	for _, id := range []string{"sec-1", "sec-2", "sec-3", "sec-4"} {
		m.scripts[id] = []model.Response{okResponse(validSectionJSON(id))}
	}
}

func newTestCoordinator(t *testing.T, client model.Client, cfg Config) *Coordinator {
	t.Helper()
	est, err := budget.NewEstimator(budget.HeuristicCounter{}, 0.40)
	require.NoError(t, err)
	ex, err := phase.NewExecutor(nil, est, logging.NewNop(), phase.Config{BackoffBase: time.Millisecond})
	require.NoError(t, err)
	ctrl, err := escalate.NewController(escalate.Config{}, 2)
	require.NoError(t, err)
	tiers := []Tier{
		{Name: "fast", Client: client, Model: "fast-model", Temperature: 0.7, MaxTokens: 4096, ContextLimit: 50000},
		{Name: "strong", Client: client, Model: "strong-model", Temperature: 0.7, MaxTokens: 8192, ContextLimit: 100000},
	}
	coord, err := NewCoordinator(tiers, ex, gate.New(gate.Config{}), ctrl, logging.NewNop(), nil, cfg)
	require.NoError(t, err)
	return coord
}

func TestRun_AllSectionsAccepted(t *testing.T) {
	m := newFakeModel()
	scriptAllValid(m)
	coord := newTestCoordinator(t, m, Config{Parallelism: 2})

	course, err := coord.Run(context.Background(), fourSectionAnalysis())
	require.NoError(t, err)
	require.NotNil(t, course)

	assert.Equal(t, "go-101", course.CourseID)
	assert.NotEmpty(t, course.RunID)
	assert.Equal(t, "Practical Go for Backend Engineers", course.Metadata.Title)

	// One invocation per phase and exactly one per section.
	assert.Equal(t, 5, m.totalCalls())
	for _, id := range []string{"sec-1", "sec-2", "sec-3", "sec-4"} {
		assert.Equal(t, 1, m.callCount(id), id)
	}

	// Sections come back in analysis order regardless of completion order.
	require.Len(t, course.Sections, 4)
	for i, id := range []string{"sec-1", "sec-2", "sec-3", "sec-4"} {
		assert.Equal(t, id, course.Sections[i].SectionID)
		assert.Equal(t, artifact.SectionAccepted, course.Sections[i].State)
		assert.Equal(t, 1, course.Sections[i].AttemptsUsed)
		assert.Len(t, course.Sections[i].Lessons, 3)
	}

	assert.Equal(t, 5*300, course.TokensSpent)
	require.NoError(t, course.Verify())

	first, err := course.MarshalStable()
	require.NoError(t, err)
	second, err := course.MarshalStable()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRun_TruncatedAttemptRetriedInTier(t *testing.T) {
	m := newFakeModel()
	scriptAllValid(m)
	m.scripts["sec-2"] = []model.Response{truncatedResponse(), okResponse(validSectionJSON("sec-2"))}
	coord := newTestCoordinator(t, m, Config{})

	course, err := coord.Run(context.Background(), fourSectionAnalysis())
	require.NoError(t, err)

	var sec2 artifact.SectionResult
	for _, s := range course.Sections {
		if s.SectionID == "sec-2" {
			sec2 = s
		}
	}
	assert.Equal(t, artifact.SectionAccepted, sec2.State)
	assert.Equal(t, 2, sec2.AttemptsUsed)
	assert.Equal(t, "fast", sec2.ModelTier)
}

func TestRun_EmptyLessonsEscalatesThenFails(t *testing.T) {
	m := newFakeModel()
	scriptAllValid(m)
	m.scripts["sec-3"] = []model.Response{okResponse(emptyLessonsJSON("sec-3"))}
	coord := newTestCoordinator(t, m, Config{})

	course, err := coord.Run(context.Background(), fourSectionAnalysis())
	require.NoError(t, err, "3 of 4 accepted clears the default threshold")

	var sec3, sec4 artifact.SectionResult
	for _, s := range course.Sections {
		switch s.SectionID {
		case "sec-3":
			sec3 = s
		case "sec-4":
			sec4 = s
		}
	}

	// Content-fatal escalates immediately: one attempt per tier.
	assert.Equal(t, artifact.SectionFailed, sec3.State)
	assert.Equal(t, 2, sec3.AttemptsUsed)
	assert.Equal(t, "strong", sec3.ModelTier)
	assert.True(t, sec3.FinalVerdict.HasIssue(artifact.IssueEmptyLessonList))

	// The dependent still ran, with the gap recorded.
	assert.Equal(t, artifact.SectionAccepted, sec4.State)
	require.NotEmpty(t, course.DegradationNotes)
	joined := strings.Join(course.DegradationNotes, "\n")
	assert.Contains(t, joined, "sec-3")
	assert.Contains(t, joined, "sec-4")
}

func TestRun_BelowSuccessThresholdFails(t *testing.T) {
	m := newFakeModel()
	m.scripts["metadata"] = []model.Response{okResponse(validMetadataJSON)}
	for _, id := range []string{"sec-1", "sec-2", "sec-3", "sec-4"} {
		m.scripts[id] = []model.Response{okResponse(emptyLessonsJSON(id))}
	}
	coord := newTestCoordinator(t, m, Config{})

	course, err := coord.Run(context.Background(), fourSectionAnalysis())
	require.ErrorIs(t, err, ErrRunFailed)
	require.NotNil(t, course, "the failed run still carries diagnostics")
	for _, s := range course.Sections {
		assert.Equal(t, artifact.SectionFailed, s.State)
	}
}

func TestRun_MetadataTerminalFailureStopsRun(t *testing.T) {
	m := newFakeModel()
	scriptAllValid(m)
	m.scripts["metadata"] = []model.Response{truncatedResponse()}
	coord := newTestCoordinator(t, m, Config{})

	course, err := coord.Run(context.Background(), fourSectionAnalysis())
	require.ErrorIs(t, err, ErrRunFailed)
	require.NotNil(t, course)

	// Two attempts on each of the two tiers, then terminal. No section
	// phase ever starts.
	assert.Equal(t, 4, m.callCount("metadata"))
	assert.Equal(t, 4, m.totalCalls())
	assert.Empty(t, course.Sections)
}

func TestRun_PrerequisiteCycleFailsBeforeAnyModelCall(t *testing.T) {
	m := newFakeModel()
	scriptAllValid(m)
	coord := newTestCoordinator(t, m, Config{})

	a := fourSectionAnalysis()
	a.Sections[0].Prerequisites = []string{"sec-4"}

	_, err := coord.Run(context.Background(), a)
	require.ErrorIs(t, err, artifact.ErrSchemaViolation)
	assert.Zero(t, m.totalCalls(), "a malformed analysis must not spend tokens")
}

// blockingSections answers the metadata phase instantly and blocks every
// section phase until the context is cancelled.
type blockingSections struct{ inner *fakeModel }

func (b *blockingSections) Invoke(ctx context.Context, req model.Request) (model.Response, error) {
	if routeKey(req.Prompt) != "metadata" {
		<-ctx.Done()
		return model.Response{}, ctx.Err()
	}
	return b.inner.Invoke(ctx, req)
}

func TestRun_CancellationMarksSectionsCancelled(t *testing.T) {
	m := newFakeModel()
	m.scripts["metadata"] = []model.Response{okResponse(validMetadataJSON)}
	coord := newTestCoordinator(t, &blockingSections{inner: m}, Config{Parallelism: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	course, err := coord.Run(ctx, fourSectionAnalysis())
	require.ErrorIs(t, err, ErrRunFailed)
	require.NotNil(t, course)

	require.Len(t, course.Sections, 4)
	for _, s := range course.Sections {
		assert.Equal(t, artifact.SectionFailed, s.State)
		assert.True(t, s.FinalVerdict.HasIssue(artifact.IssueCancelled), s.SectionID)
	}
}

func TestErrorVerdict_UnknownErrorIsFatalInternal(t *testing.T) {
	v := errorVerdict(fmt.Errorf("store corrupted"))

	assert.True(t, v.Fatal())
	assert.True(t, v.HasIssue(artifact.IssueInternal))
	// Unknown errors must not reuse the transport code: the retry policy
	// treats transport as recoverable, which would override the fatality.
	assert.False(t, v.HasIssue(artifact.IssueTransport))
}

func TestRun_WritesStateCheckpoint(t *testing.T) {
	m := newFakeModel()
	scriptAllValid(m)
	statePath := filepath.Join(t.TempDir(), "run-state.json")
	coord := newTestCoordinator(t, m, Config{StatePath: statePath})

	_, err := coord.Run(context.Background(), fourSectionAnalysis())
	require.NoError(t, err)

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)

	var st runState
	require.NoError(t, json.Unmarshal(data, &st))
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, "go-101", st.CourseID)
	assert.Len(t, st.Sections, 4)
	for id, state := range st.Sections {
		assert.Equal(t, artifact.SectionAccepted, state, id)
	}
}
