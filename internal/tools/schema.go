package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	generator "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

// compileSchema compiles a JSON Schema, caching by schema text so the
// per-call cost is a map lookup.
func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateArgs checks args against schema. Empty args validate as an
// empty object.
func ValidateArgs(schema, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode tool args: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("tool args invalid: %w", err)
	}
	return nil
}

// SchemaFor derives a JSON Schema from a Go params struct. Builtin tools
// declare their argument shape this way instead of hand-writing schemas.
func SchemaFor(v any) (json.RawMessage, error) {
	r := &generator.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode tool schema: %w", err)
	}
	return data, nil
}

// MustSchemaFor is SchemaFor for package-level tool definitions where a
// reflection failure is a programmer error.
func MustSchemaFor(v any) json.RawMessage {
	schema, err := SchemaFor(v)
	if err != nil {
		panic(err)
	}
	return schema
}
