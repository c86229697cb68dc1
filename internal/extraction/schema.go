package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// analyzeSchema describes the terminal analyze payload the service is
// contracted to return. Responses are validated before field mapping so a
// malformed payload never reaches the confidence validator.
const analyzeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status", "analyzeResult"],
  "properties": {
    "status": {"const": "succeeded"},
    "analyzeResult": {
      "type": "object",
      "required": ["modelId", "confidence", "fields"],
      "properties": {
        "modelId": {"type": "string", "minLength": 1},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "fields": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "required": ["value", "confidence"],
            "properties": {
              "value": {"type": "string"},
              "confidence": {"type": "number", "minimum": 0, "maximum": 1}
            }
          }
        }
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func validateAnalyzePayload(payload []byte) error {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("analyze.json", strings.NewReader(analyzeSchema)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile("analyze.json")
	})
	if compileErr != nil {
		return compileErr
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("payload does not match contract: %w", err)
	}
	return nil
}
