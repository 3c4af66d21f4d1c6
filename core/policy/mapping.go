package policy

import (
	_ "embed"
	"fmt"
)

//go:embed mapping/policy.schema.json
var mappingSchema []byte

// Mapping returns the schema id and JSON Schema every stored policy must satisfy.
// The id changes whenever the schema version does.
func Mapping() (string, []byte) {
	return fmt.Sprintf("policy-v%d", CurrentSchemaVersion), mappingSchema
}
