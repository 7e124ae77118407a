// Command migrate applies the settlement schema embedded in the binary.
//
// Usage:
//
//	migrate up              # apply all pending migrations
//	migrate down            # roll back the last migration
//	migrate status          # show applied and pending migrations
//	migrate version         # show the current schema version
//	migrate redo            # roll back and re-apply the last migration
//	migrate up-to <version>
//	migrate down-to <version>
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/dog-best/meta-sub000/internal/logging"
	"github.com/dog-best/meta-sub000/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: migrate <command> [version]")
		fmt.Fprintln(os.Stderr, "Commands:", strings.Join(migrations.Commands, ", "))
		os.Exit(2)
	}
	_ = godotenv.Load()

	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	command, args := os.Args[1], os.Args[2:]
	if err := migrations.Run(ctx, db, command, args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", command)
}
