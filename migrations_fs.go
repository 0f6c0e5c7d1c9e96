package automation

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the automation schema for Postgres under
// data/sql/migrations and the SQLite variant under data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

func GetMigrationsFS() fs.FS {
	return migrationsFS
}
