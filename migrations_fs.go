package ledgersync

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the postgres schema and its sqlite alternative under
// data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

func GetMigrationsFS() fs.FS {
	return migrationsFS
}

// GetCoreMigrationsFS returns the credential, cursor, run and record schema.
func GetCoreMigrationsFS() fs.FS {
	return migrationsFS
}
