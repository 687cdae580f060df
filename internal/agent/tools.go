package agent

import (
	"github.com/citabot/citabot/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// ToolDefinitions returns the OpenAI tool definitions exposed to the model.
// Both modes receive the full set; the system prompt steers which tools each
// mode actually reaches for.
func ToolDefinitions() []openai.ChatCompletionToolParam {
	return []openai.ChatCompletionToolParam{
		updateLeadProfileDefinition(),
		checkAvailabilityDefinition(),
		bookSlotDefinition(),
		handoffToHumanDefinition(),
	}
}

func updateLeadProfileDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        models.ToolUpdateLeadProfile,
			Description: openai.String("Save newly learned facts about the lead. Send only the fields you learned in this turn; existing profile data is merged, never removed."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]interface{}{
						"type":        "string",
						"description": "The lead's name",
					},
					"company": map[string]interface{}{
						"type":        "string",
						"description": "Company the lead works for",
					},
					"role": map[string]interface{}{
						"type":        "string",
						"description": "The lead's role or job title",
					},
					"industry": map[string]interface{}{
						"type":        "string",
						"description": "Industry the lead's company operates in",
					},
					"pain_points": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Problems or pains the lead mentioned, one short phrase each",
					},
					"contact_reason": map[string]interface{}{
						"type":        "string",
						"description": "Why the lead reached out",
					},
					"lead_score": map[string]interface{}{
						"type":        "integer",
						"description": "Updated lead quality score from 0 to 100 (optional)",
					},
				},
			},
		},
	}
}

func checkAvailabilityDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        models.ToolCheckAvailability,
			Description: openai.String("List available appointment slots for a given date. Always call this before proposing times to the lead."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"date": map[string]interface{}{
						"type":        "string",
						"description": "Target date in YYYY-MM-DD format",
					},
				},
				"required": []string{"date"},
			},
		},
	}
}

func bookSlotDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        models.ToolBookSlot,
			Description: openai.String("Book an appointment at a specific date and start time the lead confirmed. Fails with a structured message when the slot was just taken; offer alternatives in that case."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"date": map[string]interface{}{
						"type":        "string",
						"description": "Appointment date in YYYY-MM-DD format",
					},
					"start_time": map[string]interface{}{
						"type":        "string",
						"description": "Start time in 24h HH:MM format, hour-aligned",
					},
					"notes": map[string]interface{}{
						"type":        "string",
						"description": "Optional context for the sales team",
					},
				},
				"required": []string{"date", "start_time"},
			},
		},
	}
}

func handoffToHumanDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        models.ToolHandoffToHuman,
			Description: openai.String("Pause the assistant and hand the conversation to a human agent. Use when the lead explicitly asks for a person or is clearly frustrated."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"reason": map[string]interface{}{
						"type":        "string",
						"description": "Why the handoff is needed",
					},
					"urgency": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"low", "medium", "high"},
						"description": "How quickly a human should pick this up",
					},
					"summary": map[string]interface{}{
						"type":        "string",
						"description": "Short summary of the conversation so far for the human agent",
					},
				},
				"required": []string{"reason"},
			},
		},
	}
}
