// Package migrations embeds the postgres schema migrations so the server
// and the migrate CLI ship them inside the binary.
package migrations

import "embed"

// FS holds every *.sql migration in this directory
//
//go:embed *.sql
var FS embed.FS
