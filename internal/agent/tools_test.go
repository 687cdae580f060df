package agent

import (
	"encoding/json"
	"testing"

	"github.com/citabot/citabot/internal/models"
)

// sampleArgValue returns a valid argument value for an advertised schema
// property, so a full argument object passes the parsers' validation.
func sampleArgValue(t *testing.T, property string) interface{} {
	t.Helper()
	switch property {
	case "date":
		return "2026-09-10"
	case "start_time":
		return "10:00"
	case "lead_score":
		return 50
	case "pain_points":
		return []string{"seguimiento manual"}
	case "urgency":
		return "medium"
	default:
		return "valor"
	}
}

// The property names advertised to the model must be exactly the names the
// strict decoders accept; a mismatch makes every schema-conformant call fail.
func TestToolSchemaNamesRoundTripThroughParsers(t *testing.T) {
	for _, def := range ToolDefinitions() {
		name := def.Function.Name
		t.Run(name, func(t *testing.T) {
			props, ok := def.Function.Parameters["properties"].(map[string]interface{})
			if !ok {
				t.Fatalf("tool %s: no properties map in schema", name)
			}

			args := make(map[string]interface{}, len(props))
			for property := range props {
				args[property] = sampleArgValue(t, property)
			}
			raw, err := json.Marshal(args)
			if err != nil {
				t.Fatalf("failed to encode arguments: %v", err)
			}
			fc := models.FunctionCall{Name: name, Arguments: raw}

			switch name {
			case models.ToolUpdateLeadProfile:
				_, err = fc.ParseUpdateLeadProfileParams()
			case models.ToolCheckAvailability:
				_, err = fc.ParseCheckAvailabilityParams()
			case models.ToolBookSlot:
				_, err = fc.ParseBookSlotParams()
			case models.ToolHandoffToHuman:
				_, err = fc.ParseHandoffToHumanParams()
			default:
				t.Fatalf("no parser for advertised tool %s", name)
			}
			if err != nil {
				t.Errorf("parser rejected schema-conformant arguments %s: %v", raw, err)
			}
		})
	}
}

func TestBookSlotParamsAcceptAdvertisedNames(t *testing.T) {
	fc := models.FunctionCall{
		Name:      models.ToolBookSlot,
		Arguments: json.RawMessage(`{"date":"2026-09-10","start_time":"10:00","notes":"demo"}`),
	}
	params, err := fc.ParseBookSlotParams()
	if err != nil {
		t.Fatalf("ParseBookSlotParams failed: %v", err)
	}
	if params.Date != "2026-09-10" || params.StartTime != "10:00" {
		t.Errorf("unexpected params: %+v", params)
	}
}
