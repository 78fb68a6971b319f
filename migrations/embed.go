// Package migrations ships the SQL schema for the Postgres record store.
package migrations

import "embed"

// Files holds every numbered .sql migration in this directory.
//
//go:embed *.sql
var Files embed.FS
