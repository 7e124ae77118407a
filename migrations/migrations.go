// Package migrations embeds the goose SQL migrations so the migrate
// command and the integration tests apply the same schema without
// depending on the working directory.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Commands lists the goose commands the migrate tool accepts.
var Commands = []string{"up", "down", "status", "version", "redo", "up-to", "down-to"}

// Run executes a goose command against db using the embedded files.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if !known(command) {
		return fmt.Errorf("unknown migration command %q", command)
	}
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}

func known(command string) bool {
	for _, c := range Commands {
		if c == command {
			return true
		}
	}
	return false
}
