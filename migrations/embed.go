// Package migrations embeds the goose SQL migrations so binaries and tests
// can apply the schema without a checkout of the repository.
package migrations

import "embed"

// FS holds every *.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS
