// Package database — embeds migration SQL into the binary so deploys don't
// need the source tree alongside it.
package database

import "embed"

//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
