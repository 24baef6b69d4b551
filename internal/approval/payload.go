package approval

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hubenschmidt/prospector/pkg/schema"
)

// Proposal payloads are heterogeneous: the shape depends on the targeted
// entity type and the operation. Each (entityType, operation) pair gets its
// own JSON Schema so validation errors stay precise.

const createJobSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["title", "source_url"],
  "properties": {
    "title": { "type": "string", "minLength": 1 },
    "company": { "type": "string" },
    "location": { "type": "string" },
    "description": { "type": "string" },
    "source_url": { "type": "string", "format": "uri" },
    "posted_at": { "type": "string" }
  },
  "additionalProperties": true
}`

const createOpportunitySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "source_url"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "organization": { "type": "string" },
    "description": { "type": "string" },
    "source_url": { "type": "string", "format": "uri" }
  },
  "additionalProperties": true
}`

const createPartnershipSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["organization", "source_url"],
  "properties": {
    "organization": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "source_url": { "type": "string", "format": "uri" }
  },
  "additionalProperties": true
}`

const createIndividualSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "headline": { "type": "string" },
    "company": { "type": "string" },
    "location": { "type": "string" },
    "source_url": { "type": "string", "format": "uri" }
  },
  "additionalProperties": true
}`

const createContactSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "email": { "type": "string" },
    "phone": { "type": "string" },
    "source_url": { "type": "string", "format": "uri" }
  },
  "additionalProperties": true
}`

// updateSchemaJSON applies to updates of every entity type: a non-empty
// object of field changes.
const updateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["changes"],
  "properties": {
    "changes": { "type": "object", "minProperties": 1 }
  },
  "additionalProperties": true
}`

// deleteSchemaJSON applies to deletes of every entity type.
const deleteSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "reason": { "type": "string" }
  },
  "additionalProperties": true
}`

type payloadKey struct {
	entityType schema.EntityType
	operation  schema.Operation
}

// PayloadValidator validates proposal payloads against the schema registered
// for the (entityType, operation) pair. Safe for concurrent use after
// construction.
type PayloadValidator struct {
	schemas map[payloadKey]*jsonschema.Schema
}

// NewPayloadValidator compiles all payload schemas up front.
func NewPayloadValidator() (*PayloadValidator, error) {
	createSchemas := map[schema.EntityType]string{
		schema.EntityJob:         createJobSchemaJSON,
		schema.EntityOpportunity: createOpportunitySchemaJSON,
		schema.EntityPartnership: createPartnershipSchemaJSON,
		schema.EntityIndividual:  createIndividualSchemaJSON,
		schema.EntityContact:     createContactSchemaJSON,
	}

	v := &PayloadValidator{schemas: make(map[payloadKey]*jsonschema.Schema)}
	for entityType, schemaJSON := range createSchemas {
		compiled, err := compilePayloadSchema(string(entityType)+"_create", schemaJSON)
		if err != nil {
			return nil, err
		}
		v.schemas[payloadKey{entityType, schema.OperationCreate}] = compiled
	}
	for _, entityType := range schema.EntityTypes {
		updateCompiled, err := compilePayloadSchema(string(entityType)+"_update", updateSchemaJSON)
		if err != nil {
			return nil, err
		}
		v.schemas[payloadKey{entityType, schema.OperationUpdate}] = updateCompiled

		deleteCompiled, err := compilePayloadSchema(string(entityType)+"_delete", deleteSchemaJSON)
		if err != nil {
			return nil, err
		}
		v.schemas[payloadKey{entityType, schema.OperationDelete}] = deleteCompiled
	}
	return v, nil
}

func compilePayloadSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	url := "https://prospector.dev/schemas/payloads/" + name + ".json"
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload schema %s: %w", name, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add payload schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema %s: %w", name, err)
	}
	return compiled, nil
}

// Validate checks payload against the registered schema and returns
// human-readable validation errors. An empty return means the payload is
// structurally valid. Validation problems never fail proposal creation;
// they are recorded on the proposal for a reviewer.
func (v *PayloadValidator) Validate(entityType schema.EntityType, operation schema.Operation, payload []byte) []string {
	compiled, ok := v.schemas[payloadKey{entityType, operation}]
	if !ok {
		return []string{fmt.Sprintf("no payload schema for %s/%s", entityType, operation)}
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return []string{fmt.Sprintf("payload is not valid JSON: %v", err)}
	}
	if err := compiled.Validate(doc); err != nil {
		return flattenValidationError(err)
	}
	return nil
}

// flattenValidationError turns a jsonschema validation error tree into a
// flat list of leaf messages.
func flattenValidationError(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/"
			if len(e.InstanceLocation) > 0 {
				loc = "/" + strings.Join(e.InstanceLocation, "/")
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, e.Error()))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return msgs
}
