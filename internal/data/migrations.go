package data

import (
	"context"
	"database/sql"

	"github.com/target/research-fanout/internal/migrate"
)

// RunMigrations applies the embedded schema.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db)
}
