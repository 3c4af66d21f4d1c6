package config

import "embed"

const settingsSchemaFile = "schema/settings.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
