package migrations

import "embed"

// FS contains embedded SQLite migrations for dive storage.
//
//go:embed *.sql
var FS embed.FS
