// Package migrations embeds the Postgres schema for the mirror, replay queue and audit trail.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
