// Package budget decides whether a prospective model request fits its token
// allotment and how much of the remaining headroom retrieval may consume.
package budget

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded is returned when the base context alone exceeds the hard
// limit. This is fatal for the attempt and must force escalation or context
// trimming, never silent truncation.
var ErrBudgetExceeded = errors.New("context budget exceeded")

// Decision is the outcome of a budget estimate.
type Decision struct {
	// Fits reports whether base context plus the allowed retrieval share
	// stays within the hard limit.
	Fits bool

	// AllowedRetrievalTokens is the retrieval budget for this attempt:
	// the headroom under the hard limit, capped at MaxRetrievalShare of
	// the limit so retrieval cannot crowd out the structural context.
	AllowedRetrievalTokens int
}

// Estimator computes token budgets. It is a pure function over its inputs;
// no model call is involved.
type Estimator struct {
	counter TokenCounter

	// maxRetrievalShare caps retrieval at this fraction of the hard limit.
	maxRetrievalShare float64
}

// NewEstimator creates an estimator. share must be in (0, 1]; the zero value
// falls back to the default 0.40.
func NewEstimator(counter TokenCounter, share float64) (*Estimator, error) {
	if counter == nil {
		return nil, errors.New("token counter is required")
	}
	if share == 0 {
		share = 0.40
	}
	if share < 0 || share > 1 {
		return nil, fmt.Errorf("retrieval share %v out of range (0, 1]", share)
	}
	return &Estimator{counter: counter, maxRetrievalShare: share}, nil
}

// Estimate decides whether a request with the given base context fits the
// hard limit and how many retrieval tokens it may add. candidateTokens is the
// size of the retrieval text under consideration; the returned allowance is
// never larger than the candidate needs nor than the capped headroom.
func (e *Estimator) Estimate(baseTokens, candidateTokens, hardLimit int) (Decision, error) {
	if hardLimit <= 0 {
		return Decision{}, fmt.Errorf("hard limit must be positive, got %d", hardLimit)
	}
	if baseTokens < 0 || candidateTokens < 0 {
		return Decision{}, fmt.Errorf("token counts must be non-negative (base=%d candidate=%d)", baseTokens, candidateTokens)
	}
	if baseTokens > hardLimit {
		return Decision{}, fmt.Errorf("%w: base context %d tokens over limit %d", ErrBudgetExceeded, baseTokens, hardLimit)
	}

	headroom := hardLimit - baseTokens
	shareCap := int(float64(hardLimit) * e.maxRetrievalShare)
	allowed := headroom
	if allowed > shareCap {
		allowed = shareCap
	}
	if allowed > candidateTokens {
		allowed = candidateTokens
	}
	return Decision{Fits: true, AllowedRetrievalTokens: allowed}, nil
}

// AllowedRetrieval returns the retrieval allowance for a base context without
// a concrete candidate, used to cap tool-call result limits up front.
func (e *Estimator) AllowedRetrieval(baseTokens, hardLimit int) (int, error) {
	d, err := e.Estimate(baseTokens, hardLimit, hardLimit)
	if err != nil {
		return 0, err
	}
	return d.AllowedRetrievalTokens, nil
}

// RemainingRetrieval returns the allowance for the next retrieval round of an
// attempt that has already spent spentTokens of its share. The share cap is
// an attempt-wide ceiling, not a per-round grant: allowances across rounds
// sum to at most MaxRetrievalShare of the hard limit.
func (e *Estimator) RemainingRetrieval(baseTokens, spentTokens, hardLimit int) (int, error) {
	if spentTokens < 0 {
		return 0, fmt.Errorf("spent tokens must be non-negative, got %d", spentTokens)
	}
	allowed, err := e.AllowedRetrieval(baseTokens, hardLimit)
	if err != nil {
		return 0, err
	}
	shareCap := int(float64(hardLimit) * e.maxRetrievalShare)
	remaining := shareCap - spentTokens
	if remaining < 0 {
		remaining = 0
	}
	if allowed > remaining {
		allowed = remaining
	}
	return allowed, nil
}

// Count returns the deterministic token count of a text.
func (e *Estimator) Count(text string) int {
	return e.counter.Count(text)
}
