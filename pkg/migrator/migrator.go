package migrator

import (
	"embed"
	"fmt"
	"iot-gateway/pkg/dialect"
	"log/slog"
)

// Migrator runs database migrations and schema operations.
type Migrator interface {
	Migrate() error
	DumpSchema(outputPath string) error
}

// New creates a migrator for the given dialect. The embed.FS must contain a
// top-level "migrations" directory with dbmate-style SQL files.
//
//nolint:ireturn // Returns Migrator interface
func New(l *slog.Logger, d dialect.Dialect, fs embed.FS, connString string) (Migrator, error) {
	switch d {
	case dialect.SQLite:
		return newSQLiteMigrator(l, fs, connString)
	case dialect.PostgreSQL:
		return newPostgresMigrator(l, fs, connString)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", d)
	}
}
