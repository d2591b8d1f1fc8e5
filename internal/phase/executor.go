// Package phase runs one pipeline phase against a model, driving the bounded
// tool-call loop with the retrieval gateway. A tool-call request from the
// model is treated as a data value to validate against policy and budget,
// not as an imperative command.
package phase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/maslennikov-ig/coursegen/internal/artifact"
	"github.com/maslennikov-ig/coursegen/internal/budget"
	"github.com/maslennikov-ig/coursegen/internal/logging"
	"github.com/maslennikov-ig/coursegen/internal/model"
	"github.com/maslennikov-ig/coursegen/internal/retrieval"
)

var executorTracer = otel.Tracer("coursegen.phase")

// Request describes one phase attempt.
type Request struct {
	Kind             artifact.PhaseKind
	SectionID        string
	System           string
	BaseContext      string
	Scope            retrieval.Scope
	RetrievalEnabled bool

	// Model invocation parameters for this attempt's tier.
	Model       string
	Temperature float64
	MaxTokens   int

	// HardLimit is the context token budget for this attempt.
	HardLimit int

	// AttemptNumber starts at 1 within a tier.
	AttemptNumber int
}

// RetrievalQuery is the trace record of one retrieval executed (or degraded)
// during an attempt, kept for cost and quality analysis.
type RetrievalQuery struct {
	Query    string `json:"query"`
	Limit    int    `json:"limit"`
	Results  int    `json:"results"`
	Tokens   int    `json:"tokens"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Config holds executor tuning.
type Config struct {
	// MaxRetrievalRounds bounds tool-call loops per attempt.
	MaxRetrievalRounds int `koanf:"max_retrieval_rounds"`

	// InvokeTimeout is the hard wall-clock timeout per model invocation.
	// Expiry surfaces as a truncated response, a recoverable failure.
	InvokeTimeout time.Duration `koanf:"invoke_timeout"`

	// TransportRetries bounds backoff retries on transport failures.
	TransportRetries int `koanf:"transport_retries"`

	// BackoffBase is the first backoff interval; it doubles per retry.
	BackoffBase time.Duration `koanf:"backoff_base"`
}

// DefaultConfig returns executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetrievalRounds: 3,
		InvokeTimeout:      5 * time.Minute,
		TransportRetries:   2,
		BackoffBase:        time.Second,
	}
}

// Executor runs phase attempts.
type Executor struct {
	gateway   *retrieval.Gateway // nil when no store is configured
	estimator *budget.Estimator
	logger    *logging.Logger
	cfg       Config
}

// NewExecutor creates an executor. gateway may be nil; retrieval requests
// then degrade the same way an unreachable store does.
func NewExecutor(gateway *retrieval.Gateway, estimator *budget.Estimator, logger *logging.Logger, cfg Config) (*Executor, error) {
	if estimator == nil {
		return nil, errors.New("budget estimator is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxRetrievalRounds == 0 {
		cfg.MaxRetrievalRounds = def.MaxRetrievalRounds
	}
	if cfg.InvokeTimeout == 0 {
		cfg.InvokeTimeout = def.InvokeTimeout
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.TransportRetries == 0 {
		cfg.TransportRetries = def.TransportRetries
	}
	return &Executor{
		gateway:   gateway,
		estimator: estimator,
		logger:    logger.Named("phase"),
		cfg:       cfg,
	}, nil
}

// Run executes one phase attempt: an initial invocation without retrieved
// context, then at most MaxRetrievalRounds of tool-call driven retrieval.
// It returns the final model response and the trace of retrieval queries.
func (e *Executor) Run(ctx context.Context, client model.Client, req Request) (model.Response, []RetrievalQuery, error) {
	ctx, span := executorTracer.Start(ctx, "phase.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("phase.kind", string(req.Kind)),
		attribute.String("phase.section_id", req.SectionID),
		attribute.Int("phase.attempt", req.AttemptNumber),
		attribute.String("phase.model", req.Model),
	)

	ctx = logging.WithPhase(ctx, string(req.Kind))
	ctx = logging.WithAttempt(ctx, req.AttemptNumber)
	if req.SectionID != "" {
		ctx = logging.WithSection(ctx, req.SectionID)
	}

	prompt := req.BaseContext
	baseTokens := e.estimator.Count(req.System + prompt)
	if _, err := e.estimator.Estimate(baseTokens, 0, req.HardLimit); err != nil {
		// Fatal for this attempt before any retrieval or model call;
		// the controller must escalate or trim, never truncate.
		span.SetStatus(codes.Error, err.Error())
		return model.Response{}, nil, err
	}

	var queries []RetrievalQuery
	tools := []model.ToolSpec{}
	if req.RetrievalEnabled {
		tools = append(tools, model.SearchTool())
	}

	resp, err := e.invoke(ctx, client, req, prompt, tools)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.Response{}, queries, err
	}

	retrievedTokens := 0
	for round := 0; round < e.cfg.MaxRetrievalRounds; round++ {
		call, ok := searchCall(resp)
		if !ok {
			break
		}

		if !req.RetrievalEnabled {
			// Policy decision, not a silent drop: the model asked for
			// retrieval on a phase that does not allow it. Proceed with
			// the unmodified response.
			e.logger.Info(ctx, "ignoring tool call, retrieval disabled for phase",
				zap.String("query", call.Query))
			break
		}

		chunkText, trace := e.retrieve(ctx, call, req, e.estimator.Count(req.System+prompt), retrievedTokens)
		queries = append(queries, trace)
		retrievedTokens += trace.Tokens

		if chunkText == "" {
			prompt += "\n\n[source material]\nNo source material available for this query. Proceed with the analysis context alone.\n"
		} else {
			prompt += "\n\n[source material]\n" + chunkText
		}

		resp, err = e.invoke(ctx, client, req, prompt, tools)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return model.Response{}, queries, err
		}
	}

	span.SetAttributes(
		attribute.Int("phase.retrieval_rounds", len(queries)),
		attribute.String("phase.finish_reason", string(resp.FinishReason)),
	)
	return resp, queries, nil
}

// retrieve executes one validated retrieval round: the requested limit is
// capped by the remaining token budget, results are trimmed to fit it.
// spentTokens is the retrieval spend of earlier rounds in the same attempt;
// the share cap applies to the whole attempt, not each round separately.
func (e *Executor) retrieve(ctx context.Context, call model.ToolCall, req Request, currentTokens, spentTokens int) (string, RetrievalQuery) {
	trace := RetrievalQuery{Query: call.Query, Limit: call.Limit}

	allowed, err := e.estimator.RemainingRetrieval(currentTokens, spentTokens, req.HardLimit)
	if err != nil || allowed == 0 {
		e.logger.Warn(ctx, "no retrieval budget left for tool call", zap.String("query", call.Query))
		trace.Degraded = true
		return "", trace
	}

	limit := call.Limit
	if limit <= 0 || limit > 10 {
		limit = 10
	}
	trace.Limit = limit

	if e.gateway == nil {
		trace.Degraded = true
		return "", trace
	}

	chunks, err := e.gateway.Search(ctx, call.Query, req.Scope, limit)
	if err != nil {
		// Store down: degrade by proceeding without retrieved context.
		// The run keeps going; the degradation is recorded, not fatal.
		e.logger.Warn(ctx, "retrieval unavailable, proceeding without context",
			zap.String("query", call.Query), zap.Error(err))
		trace.Degraded = true
		return "", trace
	}

	var b strings.Builder
	used := 0
	kept := 0
	for _, c := range chunks {
		cost := e.estimator.Count(c.Text)
		if used+cost > allowed {
			break
		}
		fmt.Fprintf(&b, "(%s) %s\n", c.SourceID, c.Text)
		used += cost
		kept++
	}

	trace.Results = kept
	trace.Tokens = used
	e.logger.Debug(ctx, "retrieval round complete",
		zap.String("query", call.Query),
		zap.Int("results", kept),
		zap.Int("tokens", used),
	)
	return b.String(), trace
}

// invoke performs one model call with the per-call timeout and bounded
// transport backoff. A timeout surfaces as a truncated response so the
// controller treats it as a recoverable format failure.
func (e *Executor) invoke(ctx context.Context, client model.Client, req Request, prompt string, tools []model.ToolSpec) (model.Response, error) {
	mReq := model.Request{
		Model:       req.Model,
		System:      req.System,
		Prompt:      prompt,
		Tools:       tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.TransportRetries; attempt++ {
		if attempt > 0 {
			backoff := e.cfg.BackoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return model.Response{}, ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.InvokeTimeout)
		resp, err := client.Invoke(callCtx, mReq)
		cancel()

		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The per-call timeout expired while the run is still live.
			return model.Response{FinishReason: model.FinishTruncated}, nil
		}
		if !errors.Is(err, model.ErrTransport) {
			return model.Response{}, err
		}
		lastErr = err
		e.logger.Warn(ctx, "transport failure, retrying with backoff",
			zap.Int("transport_attempt", attempt+1), zap.Error(err))
	}
	return model.Response{}, fmt.Errorf("transport retries exhausted: %w", lastErr)
}

// searchCall returns the first retrieval tool call in a response, if any.
func searchCall(resp model.Response) (model.ToolCall, bool) {
	for _, call := range resp.ToolCalls {
		if call.Name == model.SearchToolName {
			return call, true
		}
	}
	return model.ToolCall{}, false
}
