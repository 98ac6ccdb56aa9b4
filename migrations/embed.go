// Package migrations holds the goose-managed schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
