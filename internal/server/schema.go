package server

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ledgerworks/export-service/internal/common"
)

const createExportSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"table_name":    {"type": "string", "minLength": 1},
		"date_from":     {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
		"date_to":       {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
		"format":        {"type": "string", "enum": ["csv", "csv.gz", "xlsx"]},
		"force_refresh": {"type": "boolean"}
	},
	"required": ["table_name", "date_from", "date_to"]
}`

var createExportCompiled = jsonschema.MustCompileString("create_export.json", createExportSchema)

// validateCreateBody checks the raw request body against the schema before
// any field is interpreted.
func validateCreateBody(body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return common.ValidationError("request body is not valid JSON")
	}
	if err := createExportCompiled.Validate(v); err != nil {
		return common.ValidationError(fmt.Sprintf("invalid request: %v", err))
	}
	return nil
}
