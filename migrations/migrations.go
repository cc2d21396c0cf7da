// Package migrations embeds the SQL schema for the postgres device store.
package migrations

import "embed"

// FS holds the goose migration files.
//
//go:embed *.sql
var FS embed.FS
