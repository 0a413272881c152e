package modelcall

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateOutput checks a model output document against a JSON Schema. A nil
// schema accepts any output.
func ValidateOutput(schema map[string]any, output map[string]any) error {
	if schema == nil {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(output),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}

	return fmt.Errorf("%w: %s", ErrSchemaMismatch, strings.Join(details, "; "))
}

// ValidatingCaller wraps an inner caller with output-contract validation and
// per-request retry. Retries apply to upstream errors and schema mismatches;
// a timeout of the whole request budget is not retried.
type ValidatingCaller struct {
	inner Caller
}

// NewValidatingCaller wraps a raw caller.
func NewValidatingCaller(inner Caller) *ValidatingCaller {
	return &ValidatingCaller{inner: inner}
}

func (c *ValidatingCaller) Call(ctx context.Context, req Request) (*Result, error) {
	attempts := req.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		callCtx := ctx
		cancel := context.CancelFunc(func() {})

		if req.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		}

		result, err := c.inner.Call(callCtx, req)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
			}

			lastErr = err

			continue
		}

		err = ValidateOutput(req.OutputSchema, result.Output)
		if err != nil {
			lastErr = err

			continue
		}

		return result, nil
	}

	if errors.Is(lastErr, ErrSchemaMismatch) || errors.Is(lastErr, ErrTimeout) {
		return nil, lastErr
	}

	return nil, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}
