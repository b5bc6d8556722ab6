// Package dbmigrations exposes embedded SQL migrations for termsync binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into termsync binaries.
//
//go:embed *.sql
var Files embed.FS
