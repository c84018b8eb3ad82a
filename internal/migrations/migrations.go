package migrations

import (
	"embed"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func GetFS() embed.FS {
	return migrationsFS
}
