// Package model abstracts a single request/response cycle against an LLM
// provider. Clients surface completion status separately from HTTP status:
// truncated or empty output arriving with a 2xx is still truncated or empty.
// No retries happen at this layer; retry policy lives with the caller so it
// stays centralized and testable independently of transport.
package model

import (
	"context"
	"errors"
)

// Sentinel errors for provider interactions.
var (
	// ErrTransport indicates the provider was unreachable or the network
	// failed. Callers may retry with backoff, bounded.
	ErrTransport = errors.New("provider transport failure")

	// ErrProviderRejected indicates a provider-side refusal carried in a
	// non-2xx content-bearing response. Not retryable.
	ErrProviderRejected = errors.New("provider rejected request")
)

// FinishReason is the completion status of a model response.
type FinishReason string

const (
	FinishComplete  FinishReason = "complete"
	FinishTruncated FinishReason = "truncated"
	FinishEmpty     FinishReason = "empty"
	FinishError     FinishReason = "error"
)

// ToolSpec declares a tool the model may invoke.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is a tool invocation requested by the model. For the retrieval
// tool, Query and Limit are the parsed arguments.
type ToolCall struct {
	Name  string
	Query string
	Limit int
}

// Usage is the provider-reported token consumption of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Request describes one model invocation.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Response is the outcome of one model invocation.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	LatencyMs    int64
	Usage        Usage
}

// Empty reports whether the response carries no usable payload.
func (r Response) Empty() bool {
	return r.Text == "" && len(r.ToolCalls) == 0
}

// Client performs a single request/response cycle against a provider.
type Client interface {
	// Invoke sends the request and returns the response. Transport
	// failures return ErrTransport; provider refusals return
	// ErrProviderRejected. Truncation and emptiness are reported via
	// Response.FinishReason, never as success.
	Invoke(ctx context.Context, req Request) (Response, error)
}

// SearchToolName is the retrieval tool declared to models when on-demand
// retrieval is enabled for a phase.
const SearchToolName = "search_course_material"

// SearchTool returns the retrieval tool declaration.
func SearchTool() ToolSpec {
	return ToolSpec{
		Name:        SearchToolName,
		Description: "Search the source course material for exact details not present in the analysis. Returns the most relevant text chunks for the current section.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look up in the source material",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of chunks to return",
				},
			},
			"required": []string{"query"},
		},
	}
}
