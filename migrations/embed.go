// Package migrations embeds the SQL migration files so the compiled binary
// and the test harness carry their own schema bootstrap without requiring
// files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
