// Package events defines the typed event vocabulary emitted during run execution.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Live bus topic for run events.
const Topic = "consilium.run.events"

const RunIDMetadataKey = "run_id"
const EventTypeMetadataKey = "event_type"

const (
	StageEventType        EventType = "stage"
	ProgressEventType     EventType = "progress"
	ArtifactEventType     EventType = "artifact"
	DeltaEventType        EventType = "delta"
	DivergenceEventType   EventType = "divergence"
	ToolCallEventType     EventType = "tool-call"
	ToolResultEventType   EventType = "tool-result"
	SourcesEventType      EventType = "sources"
	BranchStatusEventType EventType = "branch-status"
	ErrorEventType        EventType = "error"
	StepSummaryEventType  EventType = "step-summary"
	DecisionEventType     EventType = "decision"
	ReportEventType       EventType = "report"
	CompleteEventType     EventType = "complete"
)

// Event is implemented by every event in the vocabulary.
type Event interface {
	GetType() EventType
	GetRunID() string
	GetID() string
	GetTimestamp() time.Time
}

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (b BaseEvent) GetType() EventType      { return b.Type }
func (b BaseEvent) GetRunID() string        { return b.RunID }
func (b BaseEvent) GetID() string           { return b.ID }
func (b BaseEvent) GetTimestamp() time.Time { return b.Timestamp }

// Stage marks a coarse pipeline phase. Progress is normalized to [0,1].
type Stage struct {
	BaseEvent

	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

func (e Stage) GetType() EventType { return StageEventType }

// Progress reports fine-grained progress within a step, in percent.
type Progress struct {
	BaseEvent

	StepID  string  `json:"step_id"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

func (e Progress) GetType() EventType { return ProgressEventType }

// ArtifactType classifies intermediate renderable results.
type ArtifactType string

const (
	ArtifactSummary    ArtifactType = "summary"
	ArtifactEvidence   ArtifactType = "evidence"
	ArtifactComparison ArtifactType = "comparison"
	ArtifactCitation   ArtifactType = "citation"
	ArtifactStance     ArtifactType = "stance"
)

type Artifact struct {
	BaseEvent

	StepID       string         `json:"step_id"`
	ArtifactType ArtifactType   `json:"artifact_type"`
	Data         map[string]any `json:"data"`
}

func (e Artifact) GetType() EventType { return ArtifactEventType }

// Delta carries one streamed text fragment of a step's output.
type Delta struct {
	BaseEvent

	StepID string `json:"step_id"`
	Chunk  string `json:"chunk"`
}

func (e Delta) GetType() EventType { return DeltaEventType }

// StanceValue is an analyst position on a topic.
type StanceValue string

const (
	StanceBullish StanceValue = "bullish"
	StanceBearish StanceValue = "bearish"
	StanceNeutral StanceValue = "neutral"
)

type AnalystView struct {
	Analyst   string      `json:"analyst"`
	Stance    StanceValue `json:"stance"`
	Reasoning string      `json:"reasoning"`
}

// Divergence records a cross-branch disagreement on a topic.
type Divergence struct {
	BaseEvent

	Topic string        `json:"topic"`
	Views []AnalystView `json:"views"`
}

func (e Divergence) GetType() EventType { return DivergenceEventType }

type ToolCall struct {
	BaseEvent

	ToolName string         `json:"tool_name"`
	CallID   string         `json:"call_id"`
	Args     map[string]any `json:"args,omitempty"`
}

func (e ToolCall) GetType() EventType { return ToolCallEventType }

type ToolResult struct {
	BaseEvent

	CallID string         `json:"call_id"`
	Result map[string]any `json:"result,omitempty"`
}

func (e ToolResult) GetType() EventType { return ToolResultEventType }

type Source struct {
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	SourceType string `json:"source_type,omitempty"`
}

type Sources struct {
	BaseEvent

	Sources []Source `json:"sources"`
}

func (e Sources) GetType() EventType { return SourcesEventType }

// BranchState is the reported status of one fan-out branch.
type BranchState struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// BranchStatus reports the branches whose status changed.
type BranchStatus struct {
	BaseEvent

	Branches []BranchState `json:"branches"`
}

func (e BranchStatus) GetType() EventType { return BranchStatusEventType }

type Error struct {
	BaseEvent

	StepID      string `json:"step_id,omitempty"`
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

func (e Error) GetType() EventType { return ErrorEventType }

type StepSummary struct {
	BaseEvent

	StepID  string `json:"step_id"`
	Summary string `json:"summary"`
}

func (e StepSummary) GetType() EventType { return StepSummaryEventType }

type Decision struct {
	BaseEvent

	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
}

func (e Decision) GetType() EventType { return DecisionEventType }

type Report struct {
	BaseEvent

	ReportID   string         `json:"report_id"`
	ReportType string         `json:"report_type"`
	Report     map[string]any `json:"report"`
}

func (e Report) GetType() EventType { return ReportEventType }

// Complete is the terminal event of a successful run.
type Complete struct {
	BaseEvent

	Result   map[string]any `json:"result,omitempty"`
	Duration time.Duration  `json:"duration"`
}

func (e Complete) GetType() EventType { return CompleteEventType }

func NewBaseEvent(eventType EventType, runID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
}
