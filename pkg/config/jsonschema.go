package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/documents.json
var documentsSchema []byte

// JSONSchemaValidator validates raw documents against embedded JSON Schemas.
type JSONSchemaValidator struct {
	schemas map[DocumentKind]*gojsonschema.Schema
}

// NewJSONSchemaValidator compiles one schema per document kind out of the
// shared definitions document.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	v := &JSONSchemaValidator{schemas: make(map[DocumentKind]*gojsonschema.Schema)}

	for _, kind := range []DocumentKind{KindDeployment, KindBasic, KindComposite} {
		var root map[string]interface{}
		if err := json.Unmarshal(documentsSchema, &root); err != nil {
			return nil, fmt.Errorf("failed to parse embedded schema: %w", err)
		}
		root["$ref"] = "#/definitions/" + string(kind)

		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(root))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", kind, err)
		}
		v.schemas[kind] = schema
	}

	return v, nil
}

// Validate implements SchemaValidator.
func (v *JSONSchemaValidator) Validate(ctx context.Context, kind DocumentKind, doc interface{}) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return errdefs.Newf(errdefs.KindUnknownType, "no schema for document kind %q", kind)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errdefs.Wrap(errdefs.KindSchemaInvalid, "failed to validate document", err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return errdefs.Wrap(errdefs.KindSchemaInvalid,
			fmt.Sprintf("%s document does not match schema", kind),
			fmt.Errorf("%s", strings.Join(messages, "; "))).
			WithDetail("errors", messages)
	}

	return nil
}
