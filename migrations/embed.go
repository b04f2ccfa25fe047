// Package migrations embeds the SQL migration files so that the compiled
// binary carries its own schema management without requiring files on disk.
// The schema holds the job queue, its attempt ledger and wake-up trigger,
// the media blob store and ingested stories.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
