// Package migrations holds the SQL migrations for the clinical data tables
// the logic engine reads.
package migrations

import "embed"

// FS contains the numbered *.sql migrations at its root.
//
//go:embed *.sql
var FS embed.FS
