package migrations

import "embed"

// FS embeds the PostgreSQL migration files.
//
//go:embed *.sql
var FS embed.FS
