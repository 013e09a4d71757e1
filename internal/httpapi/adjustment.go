package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Manual adjustments come from operators, not code, so the body is
// validated against a schema before anything touches the ledger.
const adjustmentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workspace_id", "note"],
  "additionalProperties": false,
  "properties": {
    "workspace_id": {"type": "string", "minLength": 1},
    "note": {"type": "string", "minLength": 1},
    "plan_before": {"enum": ["free", "starter", "plus", "pro"]},
    "plan_after": {"enum": ["free", "starter", "plus", "pro"]},
    "status_before": {"enum": ["active", "trial", "past_due", "canceled", "suspended", "deleted"]},
    "status_after": {"enum": ["active", "trial", "past_due", "canceled", "suspended", "deleted"]}
  }
}`

var adjustmentValidator = jsonschema.MustCompileString("adjustment.json", adjustmentSchema)

type adjustmentRequest struct {
	WorkspaceID  string  `json:"workspace_id"`
	Note         string  `json:"note"`
	PlanBefore   *string `json:"plan_before"`
	PlanAfter    *string `json:"plan_after"`
	StatusBefore *string `json:"status_before"`
	StatusAfter  *string `json:"status_after"`
}

func parseAdjustment(payload []byte) (adjustmentRequest, error) {
	var req adjustmentRequest

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return req, fmt.Errorf("invalid json")
	}
	if err := adjustmentValidator.Validate(doc); err != nil {
		return req, fmt.Errorf("invalid adjustment: %v", err)
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("invalid json")
	}
	return req, nil
}
