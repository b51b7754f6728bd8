package migrations

import "embed"

// FS contains embedded SQLite migrations for gateway storage.
//
//go:embed *.sql
var FS embed.FS
