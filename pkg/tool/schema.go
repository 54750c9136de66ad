package tool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives the JSON-Schema parameters object from a typed argument
// struct. Built-in tools use it so their schemas never drift from the Go
// types that decode the arguments.
func SchemaFor[T any]() map[string]interface{} {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	var zero T
	schema := reflector.Reflect(&zero)
	schema.Version = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tool schema reflection failed: %v", err))
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("tool schema reflection failed: %v", err))
	}
	delete(out, "$schema")
	out["additionalProperties"] = false
	return out
}

// decodeArgs round-trips the loosely-typed argument map into the tool's
// argument struct.
func decodeArgs[T any](args map[string]interface{}) (T, error) {
	var decoded T
	raw, err := json.Marshal(args)
	if err != nil {
		return decoded, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return decoded, fmt.Errorf("invalid arguments: %w", err)
	}
	return decoded, nil
}
