// Package migrations embeds the SQL schema applied by the migrate command.
package migrations

import "embed"

// FS holds the numbered up/down migration pairs.
//
//go:embed *.sql
var FS embed.FS
