// Package migrations embeds the SQL schema for the span store and test queue.
// Files are applied in lexical order by storage.DB.RunMigrations.
package migrations

import "embed"

// FS holds every .sql file in this directory (001_initial.sql, ...).
//
//go:embed *.sql
var FS embed.FS
