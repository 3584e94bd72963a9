// Package collector is the module root. It embeds the goose migrations so
// the migrate and serve commands can apply them without a filesystem
// dependency at runtime.
package collector

import "embed"

// Migrations holds the embedded goose SQL migration files.
//
//go:embed migrations/*.sql
var Migrations embed.FS
