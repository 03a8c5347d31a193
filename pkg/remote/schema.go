package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var payloadSchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"results", "products"},
	"properties": map[string]interface{}{
		"results": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type":     "object",
				"required": []string{"id", "last_name", "first_name"},
				"properties": map[string]interface{}{
					"id":          map[string]interface{}{"type": []string{"string", "integer"}},
					"first_name":  map[string]interface{}{"type": "string"},
					"middle_name": map[string]interface{}{"type": "string"},
					"last_name":   map[string]interface{}{"type": "string"},
					"dob":         map[string]interface{}{"type": "string"},
					"attributes": map[string]interface{}{
						"type":                 "object",
						"additionalProperties": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
		"products": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":     "object",
					"required": []string{"id"},
					"properties": map[string]interface{}{
						"id": map[string]interface{}{"type": []string{"string", "integer"}},
						"attributes": map[string]interface{}{
							"type":                 "object",
							"additionalProperties": map[string]interface{}{"type": "string"},
						},
					},
				},
			},
		},
	},
}

func compileSchema() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(payloadSchema))
}

// validatePayload checks body against the payload schema
func validatePayload(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("payload validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// flexID accepts a JSON string or number
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type wireDonor struct {
	ID         flexID            `json:"id"`
	FirstName  string            `json:"first_name"`
	MiddleName string            `json:"middle_name"`
	LastName   string            `json:"last_name"`
	DOB        string            `json:"dob"`
	Attributes map[string]string `json:"attributes"`
}

type wireProduct struct {
	ID         flexID            `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

type wirePayload struct {
	Results  []wireDonor     `json:"results"`
	Products [][]wireProduct `json:"products"`
}
