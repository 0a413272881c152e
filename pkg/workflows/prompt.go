package workflows

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/consilium-ai/consilium/pkg/models"
)

const analystSystemPrompt = "You are a financial analyst. Ground every claim in the provided market snapshot and answer strictly in the requested JSON shape."

// analystOutputSchema is the contract every analysis branch must satisfy.
func analystOutputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"stance", "summary", "reasoning"},
		"properties": map[string]any{
			"stance": map[string]any{
				"type": "string",
				"enum": []any{"bullish", "bearish", "neutral"},
			},
			"summary":    map[string]any{"type": "string"},
			"reasoning":  map[string]any{"type": "string"},
			"confidence": map[string]any{"type": "number"},
			"sources": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":       map[string]any{"type": "string"},
						"url":         map[string]any{"type": "string"},
						"source_type": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func consensusOutputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"decision", "stance", "summary"},
		"properties": map[string]any{
			"decision":  map[string]any{"type": "string"},
			"stance":    map[string]any{"type": "string", "enum": []any{"bullish", "bearish", "neutral"}},
			"summary":   map[string]any{"type": "string"},
			"rationale": map[string]any{"type": "string"},
		},
	}
}

func planOutputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"tasks"},
		"properties": map[string]any{
			"tasks": map[string]any{
				"type":     "array",
				"minItems": float64(1),
				"items": map[string]any{
					"type":     "object",
					"required": []any{"title", "prompt"},
					"properties": map[string]any{
						"title":  map[string]any{"type": "string"},
						"prompt": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func researchOutputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"findings"},
		"properties": map[string]any{
			"findings": map[string]any{"type": "string"},
			"sources": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":       map[string]any{"type": "string"},
						"url":         map[string]any{"type": "string"},
						"source_type": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func reportOutputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"summary"},
		"properties": map[string]any{
			"summary":    map[string]any{"type": "string"},
			"conclusion": map[string]any{"type": "string"},
		},
	}
}

func answerOutputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"answer"},
		"properties": map[string]any{
			"answer":     map[string]any{"type": "string"},
			"confidence": map[string]any{"type": "number"},
		},
	}
}

func snapshotContext(snap *models.Snapshot) string {
	data, err := json.Marshal(snap.Data)
	if err != nil {
		return "{}"
	}

	return string(data)
}

func analystPrompt(symbol, exchange string, snap *models.Snapshot) string {
	return fmt.Sprintf(
		"Analyze %s on %s using only this market snapshot (fetched %s):\n%s\n\nReturn your stance, a one-paragraph summary and your reasoning.",
		symbol, exchange, snap.FetchedAt.Format("2006-01-02 15:04"), snapshotContext(snap))
}

func consensusPrompt(symbol string, views []map[string]any) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Independent analyst views on %s:\n", symbol)

	for _, view := range views {
		fmt.Fprintf(&b, "- [%s] %s: %s\n",
			stringField(view, "analyst"), stringField(view, "stance"), stringField(view, "summary"))
	}

	b.WriteString("\nSynthesize a consensus decision. Weigh agreement and disagreement explicitly.")

	return b.String()
}

func planPrompt(objective, symbol, exchange string, maxTasks int, snap *models.Snapshot) string {
	return fmt.Sprintf(
		"Research objective for %s on %s: %s\n\nMarket snapshot:\n%s\n\nBreak the objective into at most %d independent research tasks. Each task needs a short title and a self-contained prompt.",
		symbol, exchange, objective, snapshotContext(snap), maxTasks)
}

func answerPrompt(question, symbol string, snap *models.Snapshot) string {
	return fmt.Sprintf(
		"Question about %s: %s\n\nMarket snapshot:\n%s\n\nAnswer concisely using only the snapshot.",
		symbol, question, snapshotContext(snap))
}

func reportSynthesisPrompt(objective string, findings []map[string]any) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Research objective: %s\n\nTask findings:\n", objective)

	for _, finding := range findings {
		fmt.Fprintf(&b, "## %s\n%s\n", stringField(finding, "title"), stringField(finding, "findings"))
	}

	b.WriteString("\nWrite the final report summary and overall conclusion.")

	return b.String()
}
