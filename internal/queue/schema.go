package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// snapshotSchema describes the persisted queue snapshot: an ordered
// list of action records. Payloads are opaque JSON and deliberately
// unconstrained.
const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "payload", "created_at", "synced"],
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "created_at": {"type": "string", "format": "date-time"},
      "synced": {"type": "boolean"},
      "synced_at": {"type": ["string", "null"]}
    }
  }
}`

var compiledSnapshotSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("queue-snapshot.json", strings.NewReader(snapshotSchema)); err != nil {
		panic(fmt.Sprintf("queue: add snapshot schema: %v", err))
	}
	compiledSnapshotSchema = c.MustCompile("queue-snapshot.json")
}

// ValidateSnapshot checks raw snapshot bytes against the snapshot
// schema before they are trusted for rehydration.
func ValidateSnapshot(data []byte) error {
	var inst any
	if err := json.Unmarshal(data, &inst); err != nil {
		return fmt.Errorf("snapshot is not valid JSON: %w", err)
	}
	if err := compiledSnapshotSchema.Validate(inst); err != nil {
		return fmt.Errorf("snapshot schema violation: %w", err)
	}
	return nil
}
