// Package dbmigrations exposes embedded SQL migrations for Reflex binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Reflex binaries.
//
//go:embed *.sql
var Files embed.FS
