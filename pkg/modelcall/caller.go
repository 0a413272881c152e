// Package modelcall defines the structured model-call capability the engine
// consumes. The caller itself is an external collaborator; this package owns
// the contract, the error taxonomy and output-contract validation.
package modelcall

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout indicates the upstream call exceeded its deadline.
	ErrTimeout = errors.New("model call timed out")

	// ErrSchemaMismatch indicates the model produced output that does not
	// conform to the requested output contract.
	ErrSchemaMismatch = errors.New("model output does not match schema")

	// ErrUpstream indicates any other upstream model failure.
	ErrUpstream = errors.New("upstream model error")
)

// Request describes one structured model call. OutputSchema is a JSON Schema
// document the result must validate against.
type Request struct {
	Model        string
	System       string
	Prompt       string
	Temperature  float64
	Timeout      time.Duration
	MaxRetries   int
	OutputSchema map[string]any
}

// Result is a validated structured model response.
type Result struct {
	Model  string
	Output map[string]any
}

// Caller performs structured model calls. Implementations must return a
// result that validates against the request's output schema or fail with
// one of the package's error types.
type Caller interface {
	Call(ctx context.Context, req Request) (*Result, error)
}
