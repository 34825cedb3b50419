// Package migrations embeds the goose migrations of the provisioning ledger.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
