// Package migrations embeds the history schema into the binary.
package migrations

import "embed"

// FS holds the *.sql files of this directory at its root.
//
//go:embed *.sql
var FS embed.FS
