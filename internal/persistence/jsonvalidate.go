package persistence

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// anyValueSchema is the compiled form of `{}` — a schema that accepts
// any well-formed JSON instance (object, array, string, number, bool,
// or null) but, critically, forces santhosh-tekuri/jsonschema's strict
// JSON decoder over the column's raw bytes before anything is written.
// That decoder (unlike encoding/json run loosely) rejects duplicate
// object keys and non-finite numbers in addition to plain syntax
// errors, which is the JSON validation §4.A requires of
// `sessions.events` and `memory_entries.value`.
var (
	anyValueSchemaOnce sync.Once
	anyValueSchema     *jsonschema.Schema
	anyValueSchemaErr  error
)

func compiledAnyValueSchema() (*jsonschema.Schema, error) {
	anyValueSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(`{}`))
		if err != nil {
			anyValueSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("column-value.json", doc); err != nil {
			anyValueSchemaErr = err
			return
		}
		anyValueSchema, anyValueSchemaErr = c.Compile("column-value.json")
	})
	return anyValueSchema, anyValueSchemaErr
}

// ValidateJSONColumn rejects malformed JSON for a column value before it
// reaches an INSERT/UPDATE statement, per §4.A's "JSON-validated columns
// reject malformed input at insert time" guarantee. columnName is used
// only to annotate the returned error.
func ValidateJSONColumn(columnName string, raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("json column %s: empty value", columnName)
	}
	schema, err := compiledAnyValueSchema()
	if err != nil {
		return fmt.Errorf("json column %s: schema unavailable: %w", columnName, err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("json column %s: malformed JSON: %w", columnName, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("json column %s: %w", columnName, err)
	}
	return nil
}
