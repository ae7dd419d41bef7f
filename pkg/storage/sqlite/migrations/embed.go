package migrations

import "embed"

// FS contains the embedded action library migrations.
//
//go:embed *.sql
var FS embed.FS
