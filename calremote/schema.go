// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calremote

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	activeItemSchemaURL  = "https://schemas.go-calsync.dev/delta/active-item.json"
	removedItemSchemaURL = "https://schemas.go-calsync.dev/delta/removed-item.json"
)

const activeItemSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "start", "end"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "@odata.etag": {"type": "string"},
    "subject": {"type": ["string", "null"]},
    "isAllDay": {"type": "boolean"},
    "body": {
      "type": ["object", "null"],
      "properties": {"content": {"type": ["string", "null"]}}
    },
    "location": {
      "type": ["object", "null"],
      "properties": {"displayName": {"type": ["string", "null"]}}
    },
    "start": {"$ref": "#/$defs/dateTimeTimeZone"},
    "end": {"$ref": "#/$defs/dateTimeTimeZone"},
    "recurrence": {"type": ["object", "null"]},
    "lastModifiedDateTime": {"type": ["string", "null"]}
  },
  "$defs": {
    "dateTimeTimeZone": {
      "type": "object",
      "required": ["dateTime"],
      "properties": {
        "dateTime": {"type": "string", "minLength": 1},
        "timeZone": {"type": ["string", "null"]}
      }
    }
  }
}`

const removedItemSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "@removed"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "@removed": {"type": "object"}
  }
}`

// itemValidator checks raw delta items before they are decoded into entries
type itemValidator struct {
	active  *jsonschema.Schema
	removed *jsonschema.Schema
}

func newItemValidator() (*itemValidator, error) {
	c := jsonschema.NewCompiler()
	for url, src := range map[string]string{
		activeItemSchemaURL:  activeItemSchema,
		removedItemSchemaURL: removedItemSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
	}
	active, err := c.Compile(activeItemSchemaURL)
	if err != nil {
		return nil, err
	}
	removed, err := c.Compile(removedItemSchemaURL)
	if err != nil {
		return nil, err
	}
	return &itemValidator{active: active, removed: removed}, nil
}

func (v *itemValidator) validateActive(raw []byte) error {
	return validate(v.active, raw)
}

func (v *itemValidator) validateRemoved(raw []byte) error {
	return validate(v.removed, raw)
}

func validate(sch *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid delta item JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("delta item failed schema validation: %w", err)
	}
	return nil
}
