// Package escalate decides what happens after a failed phase attempt: retry
// on the same model, escalate to a stronger tier, or give up. Centralizing
// the policy here keeps it testable with fake tiers and keeps the model
// client retry-free.
package escalate

import (
	"fmt"

	"github.com/maslennikov-ig/coursegen/internal/artifact"
)

// Outcome is the controller's decision for one verdict.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeRetrySameModel   Outcome = "retry_same_model"
	OutcomeRetryHigherModel Outcome = "retry_higher_model"
	OutcomeTerminallyFailed Outcome = "terminally_failed"
)

// Decision carries the outcome plus the parameters of the next attempt.
type Decision struct {
	Outcome Outcome

	// NextAttempt is the attempt number to use next (within NextTier).
	NextAttempt int

	// NextTier is the tier index for the next attempt.
	NextTier int

	// TemperatureAdjust nudges the sampling temperature for the next
	// attempt. Format retries reduce it to cut repeat failures.
	TemperatureAdjust float64
}

// failureClass partitions gate failures.
type failureClass int

const (
	// classFormat covers parse failures, truncation and empty payloads.
	// The model likely can produce a valid answer; retry in-tier first.
	classFormat failureClass = iota

	// classQuality covers valid-schema output scoring below threshold.
	// One in-tier retry, then escalate rather than hammering a model on
	// a quality ceiling it cannot clear.
	classQuality

	// classContentFatal covers fatal content issues such as an empty
	// lesson list. Escalate immediately: an expensive retry on the same
	// model that produced nothing is wasted spend.
	classContentFatal
)

// formatIssueCodes are the recoverable format failure codes.
var formatIssueCodes = []string{
	artifact.IssueSchemaParse,
	artifact.IssueTruncated,
	artifact.IssueEmptyResponse,
	artifact.IssueTransport,
}

// classify partitions a failed verdict.
func classify(verdict artifact.GateVerdict) failureClass {
	for _, code := range formatIssueCodes {
		if verdict.HasIssue(code) {
			return classFormat
		}
	}
	if verdict.Fatal() {
		return classContentFatal
	}
	return classQuality
}

// Config holds the retry policy. The counts are configuration rather than
// constants; the source policy never fixed them.
type Config struct {
	// MaxSameModelRetries is the maximum number of attempts on one tier.
	MaxSameModelRetries int `koanf:"max_same_model_retries"`

	// TemperatureStep is how much a format retry lowers temperature.
	TemperatureStep float64 `koanf:"temperature_step"`

	// MaxQualityRetriesPerTier bounds in-tier retries for quality
	// failures before escalating.
	MaxQualityRetriesPerTier int `koanf:"max_quality_retries_per_tier"`
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		MaxSameModelRetries:      2,
		TemperatureStep:          0.2,
		MaxQualityRetriesPerTier: 1,
	}
}

// Controller implements the per-lineage retry state machine.
type Controller struct {
	cfg     Config
	tierMax int // highest valid tier index
}

// NewController creates a controller over tierCount ordered tiers.
func NewController(cfg Config, tierCount int) (*Controller, error) {
	if tierCount < 1 {
		return nil, fmt.Errorf("at least one model tier is required")
	}
	def := DefaultConfig()
	if cfg.MaxSameModelRetries == 0 {
		cfg.MaxSameModelRetries = def.MaxSameModelRetries
	}
	if cfg.TemperatureStep == 0 {
		cfg.TemperatureStep = def.TemperatureStep
	}
	if cfg.MaxQualityRetriesPerTier == 0 {
		cfg.MaxQualityRetriesPerTier = def.MaxQualityRetriesPerTier
	}
	return &Controller{cfg: cfg, tierMax: tierCount - 1}, nil
}

// Decide maps a gate verdict onto the next transition. attempt is the number
// of attempts already made on the given tier, starting at 1.
func (c *Controller) Decide(verdict artifact.GateVerdict, attempt, tier int) Decision {
	if verdict.Passed {
		return Decision{Outcome: OutcomeAccepted, NextAttempt: attempt, NextTier: tier}
	}

	switch classify(verdict) {
	case classFormat:
		if attempt < c.cfg.MaxSameModelRetries {
			return Decision{
				Outcome:           OutcomeRetrySameModel,
				NextAttempt:       attempt + 1,
				NextTier:          tier,
				TemperatureAdjust: -c.cfg.TemperatureStep,
			}
		}
	case classQuality:
		if attempt <= c.cfg.MaxQualityRetriesPerTier {
			return Decision{
				Outcome:     OutcomeRetrySameModel,
				NextAttempt: attempt + 1,
				NextTier:    tier,
			}
		}
	case classContentFatal:
		// Straight to escalation.
	}

	if tier < c.tierMax {
		return Decision{
			Outcome:     OutcomeRetryHigherModel,
			NextAttempt: 1,
			NextTier:    tier + 1,
		}
	}
	return Decision{Outcome: OutcomeTerminallyFailed, NextAttempt: attempt, NextTier: tier}
}
