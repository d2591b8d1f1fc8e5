package escalate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maslennikov-ig/coursegen/internal/artifact"
)

func newTestController(t *testing.T, tiers int) *Controller {
	t.Helper()
	c, err := NewController(Config{}, tiers)
	require.NoError(t, err)
	return c
}

func passedVerdict() artifact.GateVerdict {
	return artifact.GateVerdict{Passed: true, Score: 0.9}
}

func truncatedVerdict() artifact.GateVerdict {
	return artifact.GateVerdict{
		Passed: false,
		Issues: []artifact.Issue{{Code: artifact.IssueTruncated, Severity: artifact.SeverityError}},
	}
}

func qualityVerdict() artifact.GateVerdict {
	return artifact.GateVerdict{
		Passed: false,
		Score:  0.6,
		Issues: []artifact.Issue{{Code: artifact.IssueVagueLanguage, Severity: artifact.SeverityWarning}},
	}
}

func emptyLessonsVerdict() artifact.GateVerdict {
	return artifact.GateVerdict{
		Passed: false,
		Issues: []artifact.Issue{{Code: artifact.IssueEmptyLessonList, Severity: artifact.SeverityFatal}},
	}
}

func TestDecide_PassedIsAccepted(t *testing.T) {
	c := newTestController(t, 3)
	d := c.Decide(passedVerdict(), 1, 0)
	assert.Equal(t, OutcomeAccepted, d.Outcome)
}

func TestDecide_FormatFailureRetriesSameModel(t *testing.T) {
	c := newTestController(t, 3)
	d := c.Decide(truncatedVerdict(), 1, 0)

	assert.Equal(t, OutcomeRetrySameModel, d.Outcome)
	assert.Equal(t, 2, d.NextAttempt)
	assert.Equal(t, 0, d.NextTier)
	assert.Negative(t, d.TemperatureAdjust)
}

func TestDecide_FormatFailureEscalatesWhenRetriesExhausted(t *testing.T) {
	c := newTestController(t, 3)
	d := c.Decide(truncatedVerdict(), 2, 0)

	assert.Equal(t, OutcomeRetryHigherModel, d.Outcome)
	assert.Equal(t, 1, d.NextTier)
	assert.Equal(t, 1, d.NextAttempt)
}

// The controller never allows more than MaxSameModelRetries attempts on one
// tier before escalating or terminally failing.
func TestDecide_NeverExceedsSameModelRetries(t *testing.T) {
	c := newTestController(t, 2)

	tier, attempt := 0, 1
	attemptsPerTier := map[int]int{0: 1}
	for i := 0; i < 20; i++ {
		d := c.Decide(truncatedVerdict(), attempt, tier)
		if d.Outcome == OutcomeTerminallyFailed {
			break
		}
		tier, attempt = d.NextTier, d.NextAttempt
		attemptsPerTier[tier]++
	}

	for tier, attempts := range attemptsPerTier {
		assert.LessOrEqual(t, attempts, DefaultConfig().MaxSameModelRetries, "tier %d", tier)
	}
}

func TestDecide_QualityFailureRetriesOnceThenEscalates(t *testing.T) {
	c := newTestController(t, 3)

	d := c.Decide(qualityVerdict(), 1, 0)
	assert.Equal(t, OutcomeRetrySameModel, d.Outcome)

	d = c.Decide(qualityVerdict(), 2, 0)
	assert.Equal(t, OutcomeRetryHigherModel, d.Outcome)
}

// Zero lessons is content-fatal: escalate straight to the next tier, not a
// same-model retry.
func TestDecide_EmptyLessonListEscalatesImmediately(t *testing.T) {
	c := newTestController(t, 3)
	d := c.Decide(emptyLessonsVerdict(), 1, 0)

	assert.Equal(t, OutcomeRetryHigherModel, d.Outcome)
	assert.Equal(t, 1, d.NextTier)
}

// A fatal internal-error verdict must escalate on the first attempt rather
// than match the recoverable format codes and burn same-model retries.
func TestDecide_FatalInternalErrorEscalatesImmediately(t *testing.T) {
	c := newTestController(t, 3)
	d := c.Decide(artifact.GateVerdict{
		Passed: false,
		Issues: []artifact.Issue{{Code: artifact.IssueInternal, Severity: artifact.SeverityFatal}},
	}, 1, 0)

	assert.Equal(t, OutcomeRetryHigherModel, d.Outcome)
	assert.Equal(t, 1, d.NextTier)
}

func TestDecide_TopTierExhaustedIsTerminal(t *testing.T) {
	c := newTestController(t, 2)

	d := c.Decide(truncatedVerdict(), 2, 1)
	assert.Equal(t, OutcomeTerminallyFailed, d.Outcome)

	d = c.Decide(emptyLessonsVerdict(), 1, 1)
	assert.Equal(t, OutcomeTerminallyFailed, d.Outcome)
}

func TestNewController_RequiresTiers(t *testing.T) {
	_, err := NewController(Config{}, 0)
	assert.Error(t, err)
}
