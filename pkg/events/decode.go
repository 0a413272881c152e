package events

import (
	"encoding/json"
	"fmt"
)

// Decode unmarshals a persisted or transported event payload back into its
// concrete type. The returned value is the struct itself (not a pointer), so
// decoded events compare and type-switch the same way freshly built ones do.
func Decode(eventType EventType, payload []byte) (Event, error) {
	var target any

	switch eventType {
	case StageEventType:
		target = &Stage{}
	case ProgressEventType:
		target = &Progress{}
	case ArtifactEventType:
		target = &Artifact{}
	case DeltaEventType:
		target = &Delta{}
	case DivergenceEventType:
		target = &Divergence{}
	case ToolCallEventType:
		target = &ToolCall{}
	case ToolResultEventType:
		target = &ToolResult{}
	case SourcesEventType:
		target = &Sources{}
	case BranchStatusEventType:
		target = &BranchStatus{}
	case ErrorEventType:
		target = &Error{}
	case StepSummaryEventType:
		target = &StepSummary{}
	case DecisionEventType:
		target = &Decision{}
	case ReportEventType:
		target = &Report{}
	case CompleteEventType:
		target = &Complete{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	if err := json.Unmarshal(payload, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	switch e := target.(type) {
	case *Stage:
		return *e, nil
	case *Progress:
		return *e, nil
	case *Artifact:
		return *e, nil
	case *Delta:
		return *e, nil
	case *Divergence:
		return *e, nil
	case *ToolCall:
		return *e, nil
	case *ToolResult:
		return *e, nil
	case *Sources:
		return *e, nil
	case *BranchStatus:
		return *e, nil
	case *Error:
		return *e, nil
	case *StepSummary:
		return *e, nil
	case *Decision:
		return *e, nil
	case *Report:
		return *e, nil
	case *Complete:
		return *e, nil
	}

	return nil, fmt.Errorf("unknown event type: %s", eventType)
}
