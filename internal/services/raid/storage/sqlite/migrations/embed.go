package migrations

import "embed"

// FS contains embedded SQLite migrations for raid storage.
//
//go:embed *.sql
var FS embed.FS
