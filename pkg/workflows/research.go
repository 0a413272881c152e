package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/consilium-ai/consilium/pkg/events"
	"github.com/consilium-ai/consilium/pkg/fanout"
	"github.com/consilium-ai/consilium/pkg/lifecycle"
	"github.com/consilium-ai/consilium/pkg/modelcall"
	"github.com/consilium-ai/consilium/pkg/models"
)

// ResearchConfig tunes the research pipeline.
type ResearchConfig struct {
	PlannerModel    string
	ResearcherModel string
	MaxTasks        int
	Quorum          int
	BranchTimeout   time.Duration
	BranchRetries   int
}

// ResearchPipeline plans N sub-tasks from an objective, researches them in
// parallel, and synthesizes a report. The task steps are inserted only after
// the planning step produced them.
type ResearchPipeline struct {
	deps *Deps
	cfg  ResearchConfig
}

// NewResearchPipeline creates the research workflow definition.
func NewResearchPipeline(deps *Deps, cfg ResearchConfig) *ResearchPipeline {
	if cfg.Quorum < 1 {
		cfg.Quorum = 1
	}

	if cfg.MaxTasks < 1 {
		cfg.MaxTasks = 6
	}

	if cfg.BranchTimeout <= 0 {
		cfg.BranchTimeout = 120 * time.Second
	}

	return &ResearchPipeline{deps: deps, cfg: cfg}
}

func (p *ResearchPipeline) Kind() models.RunKind { return models.RunKindResearch }

func (p *ResearchPipeline) Execute(ctx context.Context, run *models.Run) (map[string]any, error) {
	var input models.ResearchInput

	err := decodeInput(run.Input, &input)
	if err != nil {
		return nil, err
	}

	maxTasks := input.MaxTasks
	if maxTasks < 1 || maxTasks > p.cfg.MaxTasks {
		maxTasks = p.cfg.MaxTasks
	}

	snap, err := fetchStage(ctx, p.deps, run, input.Symbol, input.Exchange, input.ForceRefresh)
	if err != nil {
		return nil, err
	}

	tasks, err := p.plan(ctx, run, input, maxTasks, snap)
	if err != nil {
		return nil, err
	}

	p.deps.Emitter.Emit(ctx, events.Stage{
		BaseEvent: events.NewBaseEvent(events.StageEventType, run.ID),
		Stage:     "research",
		Progress:  0.5,
		Message:   fmt.Sprintf("researching %d tasks", len(tasks)),
	})

	results, err := p.deps.Fanout.Execute(ctx, fanout.Stage{
		RunID:    run.ID,
		Name:     "parallel_research",
		Branches: p.researchBranches(run.ID, tasks, snap),
		Timeout:  p.cfg.BranchTimeout,
		Retries:  p.cfg.BranchRetries,
		Quorum:   p.cfg.Quorum,
	})
	if err != nil {
		return nil, err
	}

	p.deps.Emitter.Emit(ctx, events.Stage{
		BaseEvent: events.NewBaseEvent(events.StageEventType, run.ID),
		Stage:     "synthesize",
		Progress:  0.8,
		Message:   fmt.Sprintf("writing report from %d task findings", len(results)),
	})

	return synthesisStep(ctx, p.deps, run.ID, "synthesize_report",
		map[string]any{"tasks": len(results)},
		func(stepID string) (map[string]any, error) {
			return p.synthesize(ctx, run, input, stepID, results)
		})
}

type researchTask struct {
	Key    string
	Title  string
	Prompt string
}

// plan runs the create_plan step: one model call that breaks the objective
// into independent research tasks.
func (p *ResearchPipeline) plan(ctx context.Context, run *models.Run, input models.ResearchInput, maxTasks int, snap *models.Snapshot) ([]researchTask, error) {
	p.deps.Emitter.Emit(ctx, events.Stage{
		BaseEvent: events.NewBaseEvent(events.StageEventType, run.ID),
		Stage:     "plan",
		Progress:  0.25,
		Message:   "planning research tasks",
	})

	steps, err := p.deps.Lifecycle.CreateSteps(ctx, run.ID, []lifecycle.StepSpec{
		{Name: "create_plan", Input: map[string]any{"objective": input.Objective, "max_tasks": maxTasks}},
	})
	if err != nil {
		return nil, err
	}

	step := steps[0]

	err = p.deps.Lifecycle.TransitionStep(ctx, step.ID, models.StepStatusRunning, lifecycle.Outcome{})
	if err != nil {
		return nil, err
	}

	result, err := p.deps.Caller.Call(ctx, modelcall.Request{
		Model:        p.cfg.PlannerModel,
		System:       analystSystemPrompt,
		Prompt:       planPrompt(input.Objective, input.Symbol, input.Exchange, maxTasks, snap),
		Timeout:      p.cfg.BranchTimeout,
		MaxRetries:   p.cfg.BranchRetries,
		OutputSchema: planOutputSchema(),
	})
	if err != nil {
		failErr := p.deps.Lifecycle.TransitionStep(ctx, step.ID, models.StepStatusFailed, lifecycle.Outcome{Error: err.Error()})
		if failErr != nil {
			p.deps.Logger.ErrorContext(ctx, "Failed to mark plan step failed", "step_id", step.ID, "error", failErr)
		}

		return nil, fmt.Errorf("create_plan failed: %w", err)
	}

	tasks := decodeTasks(result.Output, maxTasks)
	if len(tasks) == 0 {
		err = fmt.Errorf("create_plan produced no tasks")

		failErr := p.deps.Lifecycle.TransitionStep(ctx, step.ID, models.StepStatusFailed, lifecycle.Outcome{Error: err.Error()})
		if failErr != nil {
			p.deps.Logger.ErrorContext(ctx, "Failed to mark plan step failed", "step_id", step.ID, "error", failErr)
		}

		return nil, err
	}

	taskTitles := make([]any, 0, len(tasks))
	for _, task := range tasks {
		taskTitles = append(taskTitles, task.Title)
	}

	err = p.deps.Lifecycle.TransitionStep(ctx, step.ID, models.StepStatusCompleted, lifecycle.Outcome{
		Output: map[string]any{"tasks": taskTitles},
	})
	if err != nil {
		return nil, err
	}

	p.deps.Emitter.Emit(ctx, events.StepSummary{
		BaseEvent: events.NewBaseEvent(events.StepSummaryEventType, run.ID),
		StepID:    step.ID,
		Summary:   fmt.Sprintf("planned %d research tasks", len(tasks)),
	})

	return tasks, nil
}

func decodeTasks(output map[string]any, maxTasks int) []researchTask {
	raw, ok := output["tasks"].([]any)
	if !ok {
		return nil
	}

	tasks := make([]researchTask, 0, len(raw))

	for i, entry := range raw {
		if len(tasks) >= maxTasks {
			break
		}

		doc, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		title := stringField(doc, "title")
		prompt := stringField(doc, "prompt")

		if title == "" || prompt == "" {
			continue
		}

		tasks = append(tasks, researchTask{
			// Zero-padded so report section order follows plan order.
			Key:    fmt.Sprintf("task-%02d", i+1),
			Title:  title,
			Prompt: prompt,
		})
	}

	return tasks
}

func (p *ResearchPipeline) researchBranches(runID string, tasks []researchTask, snap *models.Snapshot) []fanout.Branch {
	branches := make([]fanout.Branch, 0, len(tasks))

	for _, task := range tasks {
		task := task

		branches = append(branches, fanout.Branch{
			Key:   task.Key,
			Name:  fmt.Sprintf("research_%s", task.Key),
			Input: map[string]any{"title": task.Title},
			Execute: func(ctx context.Context) (map[string]any, error) {
				result, err := p.deps.Caller.Call(ctx, modelcall.Request{
					Model:        p.cfg.ResearcherModel,
					System:       analystSystemPrompt,
					Prompt:       fmt.Sprintf("%s\n\nSnapshot:\n%s", task.Prompt, snapshotContext(snap)),
					Timeout:      p.cfg.BranchTimeout,
					MaxRetries:   p.cfg.BranchRetries,
					OutputSchema: researchOutputSchema(),
				})
				if err != nil {
					return nil, err
				}

				output := map[string]any{"title": task.Title}
				for k, v := range result.Output {
					output[k] = v
				}

				return output, nil
			},
		})
	}

	return branches
}

func (p *ResearchPipeline) synthesize(ctx context.Context, run *models.Run, input models.ResearchInput, stepID string, results []fanout.BranchResult) (map[string]any, error) {
	findings := make([]map[string]any, 0, len(results))
	for _, result := range results {
		findings = append(findings, result.Output)
	}

	synthesis, err := p.deps.Caller.Call(ctx, modelcall.Request{
		Model:        p.cfg.PlannerModel,
		System:       analystSystemPrompt,
		Prompt:       reportSynthesisPrompt(input.Objective, findings),
		Timeout:      p.cfg.BranchTimeout,
		MaxRetries:   p.cfg.BranchRetries,
		OutputSchema: reportOutputSchema(),
	})
	if err != nil {
		return nil, fmt.Errorf("report synthesis failed: %w", err)
	}

	p.deps.Emitter.Emit(ctx, events.StepSummary{
		BaseEvent: events.NewBaseEvent(events.StepSummaryEventType, run.ID),
		StepID:    stepID,
		Summary:   stringField(synthesis.Output, "summary"),
	})

	sections := make([]models.ReportSection, 0, len(results))
	for _, result := range results {
		sections = append(sections, models.ReportSection{
			Key:     result.Key,
			Heading: stringField(result.Output, "title"),
			Body:    stringField(result.Output, "findings"),
			Data:    result.Output,
		})
	}

	report := &models.Report{
		ID:        newReportID(),
		RunID:     run.ID,
		Type:      "research",
		Title:     fmt.Sprintf("Research report: %s", input.Objective),
		Summary:   stringField(synthesis.Output, "summary"),
		Sections:  sections,
		CreatedAt: time.Now().UTC(),
	}

	err = saveReport(ctx, p.deps, report)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"report_id":  report.ID,
		"summary":    synthesis.Output["summary"],
		"conclusion": synthesis.Output["conclusion"],
		"tasks":      len(results),
	}, nil
}
