package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
)

const (
	addressPattern  = `^0x[0-9a-fA-F]{40}$`
	quantityPattern = `^[1-9][0-9]{0,77}$`
)

var requestSchemas = map[string]string{
	"issuance.json": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["project_id", "window_start", "window_end", "quantity", "recipient", "issuance_ref"],
		"properties": {
			"project_id":   {"type": "string", "minLength": 1, "maxLength": 256},
			"window_start": {"type": "string", "format": "date-time"},
			"window_end":   {"type": "string", "format": "date-time"},
			"quantity":     {"type": "string", "pattern": "` + quantityPattern + `"},
			"recipient":    {"type": "string", "pattern": "` + addressPattern + `"},
			"issuance_ref": {"type": "string", "minLength": 1, "maxLength": 256}
		}
	}`,
	"retirement.json": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["class_id", "quantity", "holder"],
		"properties": {
			"class_id":    {"type": "string", "pattern": "^[0-9a-f]{32}$"},
			"quantity":    {"type": "string", "pattern": "` + quantityPattern + `"},
			"holder":      {"type": "string", "pattern": "` + addressPattern + `"},
			"beneficiary": {"type": "string", "maxLength": 256},
			"reason":      {"type": "string", "maxLength": 1024}
		}
	}`,
	"anchor.json": `{
		"type": "object",
		"additionalProperties": false,
		"required": ["topic", "evidence_hashes"],
		"properties": {
			"topic": {"type": "string", "minLength": 1, "maxLength": 128},
			"evidence_hashes": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string", "pattern": "^(0x)?[0-9a-fA-F]{64}$"}
			}
		}
	}`,
}

// schemaSet holds the compiled request schemas.
type schemaSet map[string]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	for name, src := range requestSchemas {
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	set := make(schemaSet, len(requestSchemas))
	for name := range requestSchemas {
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set[name] = s
	}
	return set, nil
}

// decode validates body against the named schema, then unmarshals it into v.
func (s schemaSet) decode(name string, body []byte, v any) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return apperr.New(apperr.CodeInvalidInput, "request body is not valid JSON")
	}
	if err := s[name].Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return apperr.New(apperr.CodeInvalidInput, "%s", describe(ve))
		}
		return apperr.Wrap(apperr.CodeInvalidInput, err, "request body failed validation")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.New(apperr.CodeInvalidInput, "request body does not match the expected shape")
	}
	return nil
}

// describe reports the deepest failing location, which is the one a caller
// can act on.
func describe(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
