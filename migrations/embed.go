// Package migrations embeds the goose SQL migrations.
package migrations

import "embed"

// FS holds every migration file; goose reads it from ".".
//
//go:embed *.sql
var FS embed.FS
