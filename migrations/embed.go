// Package migrations embeds the goose SQL migrations for the core database.
package migrations

import "embed"

//go:embed core/*.sql
var Core embed.FS
