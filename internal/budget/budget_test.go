package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEstimator(t *testing.T, share float64) *Estimator {
	t.Helper()
	e, err := NewEstimator(HeuristicCounter{}, share)
	require.NoError(t, err)
	return e
}

func TestEstimate_BaseOverLimit(t *testing.T) {
	e := newTestEstimator(t, 0.4)

	_, err := e.Estimate(1001, 0, 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestEstimate_RetrievalShareCap(t *testing.T) {
	e := newTestEstimator(t, 0.4)

	// Plenty of headroom, but retrieval is capped at 40% of the limit.
	d, err := e.Estimate(100, 10000, 1000)
	require.NoError(t, err)
	assert.True(t, d.Fits)
	assert.Equal(t, 400, d.AllowedRetrievalTokens)
}

func TestEstimate_HeadroomSmallerThanCap(t *testing.T) {
	e := newTestEstimator(t, 0.4)

	d, err := e.Estimate(900, 10000, 1000)
	require.NoError(t, err)
	assert.Equal(t, 100, d.AllowedRetrievalTokens)
}

func TestEstimate_CandidateSmallerThanAllowance(t *testing.T) {
	e := newTestEstimator(t, 0.4)

	d, err := e.Estimate(100, 50, 1000)
	require.NoError(t, err)
	assert.Equal(t, 50, d.AllowedRetrievalTokens)
}

func TestRemainingRetrieval_ShareIsAttemptWide(t *testing.T) {
	e := newTestEstimator(t, 0.4)

	// Fresh attempt: full 400-token share available.
	allowed, err := e.RemainingRetrieval(100, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 400, allowed)

	// Earlier rounds spent 300 of the share; only 100 remains even though
	// the current prompt still has headroom for more.
	allowed, err = e.RemainingRetrieval(100, 300, 1000)
	require.NoError(t, err)
	assert.Equal(t, 100, allowed)

	// Share exhausted.
	allowed, err = e.RemainingRetrieval(100, 400, 1000)
	require.NoError(t, err)
	assert.Zero(t, allowed)

	// Spend beyond the cap never goes negative.
	allowed, err = e.RemainingRetrieval(100, 900, 1000)
	require.NoError(t, err)
	assert.Zero(t, allowed)

	_, err = e.RemainingRetrieval(100, -1, 1000)
	assert.Error(t, err)
}

func TestEstimate_InvalidInputs(t *testing.T) {
	e := newTestEstimator(t, 0.4)

	_, err := e.Estimate(10, 0, 0)
	assert.Error(t, err)

	_, err = e.Estimate(-1, 0, 100)
	assert.Error(t, err)

	_, err = e.Estimate(0, -1, 100)
	assert.Error(t, err)
}

// Budget property: whenever base fits the limit, the allowance is
// non-negative and never pushes the total past the hard limit.
func TestEstimate_BudgetProperty(t *testing.T) {
	e := newTestEstimator(t, 0.4)

	limits := []int{1, 10, 100, 1000, 128000}
	for _, hard := range limits {
		for base := 0; base <= hard; base += 1 + hard/17 {
			d, err := e.Estimate(base, hard, hard)
			require.NoError(t, err, "base=%d hard=%d", base, hard)
			assert.GreaterOrEqual(t, d.AllowedRetrievalTokens, 0)
			assert.LessOrEqual(t, base+d.AllowedRetrievalTokens, hard)
		}
	}
}

func TestNewEstimator_ShareValidation(t *testing.T) {
	_, err := NewEstimator(HeuristicCounter{}, -0.1)
	assert.Error(t, err)

	_, err = NewEstimator(HeuristicCounter{}, 1.5)
	assert.Error(t, err)

	_, err = NewEstimator(nil, 0.4)
	assert.Error(t, err)

	e, err := NewEstimator(HeuristicCounter{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.40, e.maxRetrievalShare)
}

func TestHeuristicCounter(t *testing.T) {
	c := HeuristicCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("hi"))
	assert.Equal(t, 5, c.Count("a twenty char string"))
}
