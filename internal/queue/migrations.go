package queue

import (
	"database/sql"
	"fmt"

	"github.com/nx-solutions-ug/chronova-cli/migrations"
	"github.com/pressly/goose/v3"
)

// runMigrations applies all pending database migrations using goose,
// reading the embedded SQL files from the migrations package.
func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("%w: set dialect: %v", ErrSchemaMigration, err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMigration, err)
	}

	return nil
}
