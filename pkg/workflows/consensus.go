package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/consilium-ai/consilium/pkg/events"
	"github.com/consilium-ai/consilium/pkg/fanout"
	"github.com/consilium-ai/consilium/pkg/modelcall"
	"github.com/consilium-ai/consilium/pkg/models"
)

// ConsensusConfig tunes the consensus pipeline's fan-out stage.
type ConsensusConfig struct {
	DefaultModels []string
	Quorum        int
	BranchTimeout time.Duration
	BranchRetries int
}

// ConsensusPipeline asks N models to analyze one snapshot independently and
// synthesizes their views into a consensus decision. The analysis stage
// tolerates branch failures as long as quorum is met.
type ConsensusPipeline struct {
	deps *Deps
	cfg  ConsensusConfig
}

// NewConsensusPipeline creates the consensus workflow definition.
func NewConsensusPipeline(deps *Deps, cfg ConsensusConfig) *ConsensusPipeline {
	if cfg.Quorum < 1 {
		cfg.Quorum = 2
	}

	if cfg.BranchTimeout <= 0 {
		cfg.BranchTimeout = 90 * time.Second
	}

	return &ConsensusPipeline{deps: deps, cfg: cfg}
}

func (p *ConsensusPipeline) Kind() models.RunKind { return models.RunKindConsensus }

func (p *ConsensusPipeline) Execute(ctx context.Context, run *models.Run) (map[string]any, error) {
	var input models.ConsensusInput

	err := decodeInput(run.Input, &input)
	if err != nil {
		return nil, err
	}

	analysts := input.Models
	if len(analysts) == 0 {
		analysts = p.cfg.DefaultModels
	}

	if len(analysts) == 0 {
		return nil, fmt.Errorf("no analyst models configured")
	}

	snap, err := fetchStage(ctx, p.deps, run, input.Symbol, input.Exchange, input.ForceRefresh)
	if err != nil {
		return nil, err
	}

	p.deps.Emitter.Emit(ctx, events.Stage{
		BaseEvent: events.NewBaseEvent(events.StageEventType, run.ID),
		Stage:     "analysis",
		Progress:  0.33,
		Message:   fmt.Sprintf("running %d analysts", len(analysts)),
	})

	results, err := p.deps.Fanout.Execute(ctx, fanout.Stage{
		RunID:    run.ID,
		Name:     "parallel_analysis",
		Branches: p.analysisBranches(run.ID, analysts, input, snap),
		Timeout:  p.cfg.BranchTimeout,
		Retries:  p.cfg.BranchRetries,
		Quorum:   p.cfg.Quorum,
	})
	if err != nil {
		return nil, err
	}

	p.emitDivergence(ctx, run.ID, results)

	p.deps.Emitter.Emit(ctx, events.Stage{
		BaseEvent: events.NewBaseEvent(events.StageEventType, run.ID),
		Stage:     "synthesize",
		Progress:  0.66,
		Message:   fmt.Sprintf("synthesizing %d analyst views", len(results)),
	})

	return synthesisStep(ctx, p.deps, run.ID, "synthesize_consensus",
		map[string]any{"analysts": len(results)},
		func(stepID string) (map[string]any, error) {
			return p.synthesize(ctx, run, input, stepID, results)
		})
}

func (p *ConsensusPipeline) analysisBranches(runID string, analysts []string, input models.ConsensusInput, snap *models.Snapshot) []fanout.Branch {
	branches := make([]fanout.Branch, 0, len(analysts))

	for _, model := range analysts {
		branches = append(branches, fanout.Branch{
			Key:  model,
			Name: fmt.Sprintf("analyze_%s", model),
			Input: map[string]any{
				"model":       model,
				"symbol":      input.Symbol,
				"snapshot_id": snap.ID,
			},
			Execute: p.analysisBranch(runID, model, input, snap),
		})
	}

	return branches
}

func (p *ConsensusPipeline) analysisBranch(runID, model string, input models.ConsensusInput, snap *models.Snapshot) fanout.BranchFunc {
	return func(ctx context.Context) (map[string]any, error) {
		call := events.ToolCall{
			BaseEvent: events.NewBaseEvent(events.ToolCallEventType, runID),
			ToolName:  "model.analyze",
			CallID:    fmt.Sprintf("call-%s", uuid.New().String()[:8]),
			Args:      map[string]any{"model": model, "symbol": input.Symbol},
		}
		p.deps.Emitter.Emit(ctx, call)

		result, err := p.deps.Caller.Call(ctx, modelcall.Request{
			Model:        model,
			System:       analystSystemPrompt,
			Prompt:       analystPrompt(input.Symbol, input.Exchange, snap),
			Timeout:      p.cfg.BranchTimeout,
			MaxRetries:   p.cfg.BranchRetries,
			OutputSchema: analystOutputSchema(),
		})
		if err != nil {
			return nil, err
		}

		p.deps.Emitter.Emit(ctx, events.ToolResult{
			BaseEvent: events.NewBaseEvent(events.ToolResultEventType, runID),
			CallID:    call.CallID,
			Result:    map[string]any{"stance": result.Output["stance"]},
		})

		p.deps.Emitter.Emit(ctx, events.Artifact{
			BaseEvent:    events.NewBaseEvent(events.ArtifactEventType, runID),
			ArtifactType: events.ArtifactStance,
			Data: map[string]any{
				"analyst": model,
				"stance":  result.Output["stance"],
				"summary": result.Output["summary"],
			},
		})

		return result.Output, nil
	}
}

// emitDivergence reports cross-analyst disagreement when the valid branches
// did not all land on the same stance.
func (p *ConsensusPipeline) emitDivergence(ctx context.Context, runID string, results []fanout.BranchResult) {
	views := make([]events.AnalystView, 0, len(results))
	stances := map[string]struct{}{}

	for _, result := range results {
		stance := stringField(result.Output, "stance")
		stances[stance] = struct{}{}
		views = append(views, events.AnalystView{
			Analyst:   result.Key,
			Stance:    events.StanceValue(stance),
			Reasoning: stringField(result.Output, "reasoning"),
		})
	}

	if len(stances) <= 1 {
		return
	}

	p.deps.Emitter.Emit(ctx, events.Divergence{
		BaseEvent: events.NewBaseEvent(events.DivergenceEventType, runID),
		Topic:     "stance",
		Views:     views,
	})
}

func (p *ConsensusPipeline) synthesize(ctx context.Context, run *models.Run, input models.ConsensusInput, stepID string, results []fanout.BranchResult) (map[string]any, error) {
	views := make([]map[string]any, 0, len(results))
	for _, result := range results {
		view := map[string]any{"analyst": result.Key}
		for k, v := range result.Output {
			view[k] = v
		}

		views = append(views, view)
	}

	synthesis, err := p.deps.Caller.Call(ctx, modelcall.Request{
		Model:        "synthesizer",
		System:       analystSystemPrompt,
		Prompt:       consensusPrompt(input.Symbol, views),
		Timeout:      p.cfg.BranchTimeout,
		MaxRetries:   p.cfg.BranchRetries,
		OutputSchema: consensusOutputSchema(),
	})
	if err != nil {
		return nil, fmt.Errorf("consensus synthesis failed: %w", err)
	}

	p.emitSources(ctx, run.ID, results)

	p.deps.Emitter.Emit(ctx, events.StepSummary{
		BaseEvent: events.NewBaseEvent(events.StepSummaryEventType, run.ID),
		StepID:    stepID,
		Summary:   stringField(synthesis.Output, "summary"),
	})

	p.deps.Emitter.Emit(ctx, events.Decision{
		BaseEvent: events.NewBaseEvent(events.DecisionEventType, run.ID),
		Decision:  stringField(synthesis.Output, "decision"),
		Rationale: stringField(synthesis.Output, "rationale"),
	})

	report := &models.Report{
		ID:        newReportID(),
		RunID:     run.ID,
		Type:      "consensus",
		Title:     fmt.Sprintf("Consensus analysis: %s (%s)", input.Symbol, input.Exchange),
		Summary:   stringField(synthesis.Output, "summary"),
		Sections:  branchSections(results),
		CreatedAt: time.Now().UTC(),
	}

	err = saveReport(ctx, p.deps, report)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"report_id": report.ID,
		"decision":  synthesis.Output["decision"],
		"stance":    synthesis.Output["stance"],
		"summary":   synthesis.Output["summary"],
		"analysts":  len(results),
	}, nil
}

func (p *ConsensusPipeline) emitSources(ctx context.Context, runID string, results []fanout.BranchResult) {
	var sources []events.Source

	for _, result := range results {
		raw, ok := result.Output["sources"].([]any)
		if !ok {
			continue
		}

		for _, entry := range raw {
			doc, ok := entry.(map[string]any)
			if !ok {
				continue
			}

			sources = append(sources, events.Source{
				Title:      stringField(doc, "title"),
				URL:        stringField(doc, "url"),
				SourceType: stringField(doc, "source_type"),
			})
		}
	}

	if len(sources) == 0 {
		return
	}

	p.deps.Emitter.Emit(ctx, events.Sources{
		BaseEvent: events.NewBaseEvent(events.SourcesEventType, runID),
		Sources:   sources,
	})
}

// branchSections turns valid branch results into report sections. Results
// arrive sorted by branch key, so section order is deterministic.
func branchSections(results []fanout.BranchResult) []models.ReportSection {
	sections := make([]models.ReportSection, 0, len(results))

	for _, result := range results {
		sections = append(sections, models.ReportSection{
			Key:     result.Key,
			Heading: result.Key,
			Body:    stringField(result.Output, "summary"),
			Data:    result.Output,
		})
	}

	return sections
}
