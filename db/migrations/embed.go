// Package dbmigrations exposes embedded SQL migrations for fieldsync binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into fieldsync binaries.
//
//go:embed *.sql
var Files embed.FS
