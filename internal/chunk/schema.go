package chunk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const requestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["chunk"],
  "properties": {
    "chunk": {
      "type": "object",
      "required": ["dimension", "blocks"],
      "properties": {
        "dimension": {"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^[A-Za-z0-9_\\-]+$"},
        "chunkX": {"type": ["integer", "null"]},
        "chunkZ": {"type": ["integer", "null"]},
        "blocks": {
          "type": "array",
          "maxItems": 4096,
          "items": {
            "type": "object",
            "required": ["name", "coordinates"],
            "properties": {
              "name": {"type": "string"},
              "coordinates": {
                "type": "array",
                "items": {"type": "integer"},
                "minItems": 3,
                "maxItems": 3
              }
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func requestValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("mipmap://chunk-request.schema.json", requestSchema)
	})
	return schema, schemaErr
}

// DecodeRequest validates an intake body against the request schema and decodes it.
func DecodeRequest(body []byte) (Snapshot, error) {
	s, err := requestValidator()
	if err != nil {
		return Snapshot{}, fmt.Errorf("compile chunk schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Snapshot{}, fmt.Errorf("decode chunk request: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return Snapshot{}, fmt.Errorf("invalid chunk request: %w", err)
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Snapshot{}, fmt.Errorf("decode chunk request: %w", err)
	}
	return req.Chunk, nil
}
