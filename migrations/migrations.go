// Package migrations embeds the SQL schema migrations applied by
// cmd/migrate, so the binary ships with its own schema and needs no
// external migrations directory at deploy time.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
