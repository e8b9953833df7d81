// Package migrations embeds the relay store schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
