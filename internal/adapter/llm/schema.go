package llm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"chatmux/internal/domain"
)

// Response shapes each wire format must satisfy before it is normalized.
const (
	openAIResponseSchema = `{
  "type": "object",
  "required": ["choices"],
  "properties": {
    "model": {"type": "string"},
    "choices": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["message"],
        "properties": {
          "message": {
            "type": "object",
            "required": ["content"],
            "properties": {"content": {"type": ["string", "null"]}}
          },
          "finish_reason": {"type": ["string", "null"]}
        }
      }
    },
    "usage": {"type": "object"}
  }
}`

	qwenResponseSchema = `{
  "type": "object",
  "required": ["output"],
  "properties": {
    "output": {
      "type": "object",
      "required": ["choices"],
      "properties": {
        "choices": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["message"],
            "properties": {
              "message": {
                "type": "object",
                "required": ["content"],
                "properties": {"content": {"type": "string"}}
              },
              "finish_reason": {"type": ["string", "null"]}
            }
          }
        }
      }
    },
    "usage": {"type": "object"}
  }
}`
)

// responseValidator checks raw response bodies against a compiled schema.
type responseValidator struct {
	schema *jsonschema.Schema
}

var (
	validatorsMu sync.Mutex
	validators   = map[string]*responseValidator{}
)

// validatorFor compiles schemaJSON once per key.
func validatorFor(key, schemaJSON string) (*responseValidator, error) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()

	if v, ok := validators[key]; ok {
		return v, nil
	}
	schema, err := jsonschema.NewCompiler().Compile([]byte(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile %s response schema: %w", key, err)
	}
	v := &responseValidator{schema: schema}
	validators[key] = v
	return v, nil
}

// validate decodes body and checks it against the schema. Any mismatch is
// reported as a *domain.ResponseFormatError for provider.
func (v *responseValidator) validate(provider string, body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return &domain.ResponseFormatError{Provider: provider, Detail: "body is not JSON: " + err.Error()}
	}
	result := v.schema.Validate(doc)
	if !result.IsValid() {
		return &domain.ResponseFormatError{Provider: provider, Detail: fmt.Sprint(result.Error())}
	}
	return nil
}
