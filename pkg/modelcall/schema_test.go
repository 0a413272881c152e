package modelcall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubCaller struct {
	mock.Mock
}

func (s *stubCaller) Call(ctx context.Context, req Request) (*Result, error) {
	args := s.Called(ctx, req)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*Result), args.Error(1)
}

func stanceSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"stance", "summary"},
		"properties": map[string]any{
			"stance":  map[string]any{"type": "string", "enum": []string{"bullish", "bearish", "neutral"}},
			"summary": map[string]any{"type": "string"},
		},
	}
}

func TestValidateOutput(t *testing.T) {
	err := ValidateOutput(stanceSchema(), map[string]any{"stance": "bullish", "summary": "fine"})
	assert.NoError(t, err)
}

func TestValidateOutput_NilSchemaAcceptsAnything(t *testing.T) {
	assert.NoError(t, ValidateOutput(nil, map[string]any{"whatever": true}))
}

func TestValidateOutput_Mismatch(t *testing.T) {
	cases := []struct {
		name   string
		output map[string]any
	}{
		{"missing field", map[string]any{"stance": "bullish"}},
		{"bad enum value", map[string]any{"stance": "sideways", "summary": "fine"}},
		{"wrong type", map[string]any{"stance": "bullish", "summary": 12}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateOutput(stanceSchema(), tc.output)
			assert.ErrorIs(t, err, ErrSchemaMismatch)
		})
	}
}

func TestValidatingCaller_PassesValidOutput(t *testing.T) {
	inner := &stubCaller{}
	inner.On("Call", mock.Anything, mock.Anything).Return(&Result{
		Model:  "m1",
		Output: map[string]any{"stance": "bullish", "summary": "fine"},
	}, nil)

	caller := NewValidatingCaller(inner)

	result, err := caller.Call(t.Context(), Request{Model: "m1", OutputSchema: stanceSchema()})
	require.NoError(t, err)
	assert.Equal(t, "bullish", result.Output["stance"])

	inner.AssertNumberOfCalls(t, "Call", 1)
}

func TestValidatingCaller_RetriesSchemaMismatch(t *testing.T) {
	inner := &stubCaller{}
	inner.On("Call", mock.Anything, mock.Anything).Return(&Result{
		Model:  "m1",
		Output: map[string]any{"stance": "sideways"},
	}, nil).Once()
	inner.On("Call", mock.Anything, mock.Anything).Return(&Result{
		Model:  "m1",
		Output: map[string]any{"stance": "neutral", "summary": "fixed on retry"},
	}, nil)

	caller := NewValidatingCaller(inner)

	result, err := caller.Call(t.Context(), Request{Model: "m1", MaxRetries: 1, OutputSchema: stanceSchema()})
	require.NoError(t, err)
	assert.Equal(t, "fixed on retry", result.Output["summary"])

	inner.AssertNumberOfCalls(t, "Call", 2)
}

func TestValidatingCaller_ExhaustedRetries(t *testing.T) {
	inner := &stubCaller{}
	inner.On("Call", mock.Anything, mock.Anything).Return(&Result{
		Model:  "m1",
		Output: map[string]any{"stance": "sideways"},
	}, nil)

	caller := NewValidatingCaller(inner)

	_, err := caller.Call(t.Context(), Request{Model: "m1", MaxRetries: 2, OutputSchema: stanceSchema()})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	inner.AssertNumberOfCalls(t, "Call", 3)
}

func TestValidatingCaller_WrapsUpstreamErrors(t *testing.T) {
	inner := &stubCaller{}
	inner.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	caller := NewValidatingCaller(inner)

	_, err := caller.Call(t.Context(), Request{Model: "m1"})
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestValidatingCaller_TimeoutIsNotRetried(t *testing.T) {
	inner := &stubCaller{}
	inner.On("Call", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		<-ctx.Done()
	}).Return(nil, context.DeadlineExceeded)

	caller := NewValidatingCaller(inner)

	_, err := caller.Call(t.Context(), Request{Model: "m1", Timeout: 10 * time.Millisecond, MaxRetries: 3})
	assert.ErrorIs(t, err, ErrTimeout)

	inner.AssertNumberOfCalls(t, "Call", 1)
}
