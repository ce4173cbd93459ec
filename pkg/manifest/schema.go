package manifest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://dbvc.schemas.local/manifest/v2.schema.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "artifacts"],
  "properties": {
    "schema_version": {"type": "string", "minLength": 1},
    "package_id": {"type": "string"},
    "name": {"type": "string"},
    "version": {"type": "string"},
    "channel": {"enum": ["canary", "beta", "stable"]},
    "source_site": {"type": "string"},
    "compatibility": {
      "type": "object",
      "properties": {
        "min_core_version": {"type": "string"},
        "required_capabilities": {"type": "array", "items": {"type": "string"}},
        "rule": {"type": "string"}
      }
    },
    "artifacts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["artifact_uid", "artifact_type"],
        "properties": {
          "artifact_uid": {"type": "string", "minLength": 1},
          "artifact_type": {"type": "string", "minLength": 1},
          "hash": {"type": "string"},
          "action": {"enum": ["upsert", "delete"]}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(manifestSchema)); err != nil {
			schemaErr = fmt.Errorf("manifest: load schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}
