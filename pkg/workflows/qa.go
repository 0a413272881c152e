package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/consilium-ai/consilium/pkg/events"
	"github.com/consilium-ai/consilium/pkg/modelcall"
	"github.com/consilium-ai/consilium/pkg/models"
)

// QAConfig tunes the qa pipeline.
type QAConfig struct {
	DefaultModel string
	CallTimeout  time.Duration
	CallRetries  int
}

// QAPipeline answers one question about a symbol with a single model call.
// It is the engine's sequential path; no fan-out stage is involved.
type QAPipeline struct {
	deps *Deps
	cfg  QAConfig
}

// NewQAPipeline creates the qa workflow definition.
func NewQAPipeline(deps *Deps, cfg QAConfig) *QAPipeline {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}

	return &QAPipeline{deps: deps, cfg: cfg}
}

func (p *QAPipeline) Kind() models.RunKind { return models.RunKindQA }

func (p *QAPipeline) Execute(ctx context.Context, run *models.Run) (map[string]any, error) {
	var input models.QAInput

	err := decodeInput(run.Input, &input)
	if err != nil {
		return nil, err
	}

	model := input.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}

	snap, err := fetchStage(ctx, p.deps, run, input.Symbol, input.Exchange, input.ForceRefresh)
	if err != nil {
		return nil, err
	}

	p.deps.Emitter.Emit(ctx, events.Stage{
		BaseEvent: events.NewBaseEvent(events.StageEventType, run.ID),
		Stage:     "answer",
		Progress:  0.5,
		Message:   "answering question",
	})

	return synthesisStep(ctx, p.deps, run.ID, "answer",
		map[string]any{"question": input.Question, "model": model},
		func(stepID string) (map[string]any, error) {
			result, err := p.deps.Caller.Call(ctx, modelcall.Request{
				Model:        model,
				System:       analystSystemPrompt,
				Prompt:       answerPrompt(input.Question, input.Symbol, snap),
				Timeout:      p.cfg.CallTimeout,
				MaxRetries:   p.cfg.CallRetries,
				OutputSchema: answerOutputSchema(),
			})
			if err != nil {
				return nil, fmt.Errorf("answer failed: %w", err)
			}

			answer := stringField(result.Output, "answer")

			p.deps.Emitter.Emit(ctx, events.Delta{
				BaseEvent: events.NewBaseEvent(events.DeltaEventType, run.ID),
				StepID:    stepID,
				Chunk:     answer,
			})

			p.deps.Emitter.Emit(ctx, events.StepSummary{
				BaseEvent: events.NewBaseEvent(events.StepSummaryEventType, run.ID),
				StepID:    stepID,
				Summary:   answer,
			})

			return map[string]any{
				"answer":     result.Output["answer"],
				"confidence": result.Output["confidence"],
				"model":      model,
			}, nil
		})
}
