package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/rfqhub/walletd/migrations"
)

// goose keeps its dialect and filesystem in package state.
var gooseOnce sync.Once

func initGoose() error {
	var err error
	gooseOnce.Do(func() {
		goose.SetBaseFS(migrations.FS)
		err = goose.SetDialect("postgres")
	})
	return err
}

// Migrate applies every pending embedded migration.
func Migrate(ctx context.Context, conn *sql.DB) error {
	return RunMigrations(ctx, conn, "up")
}

// RunMigrations runs a goose command (up, down, status, version, redo,
// up-to, down-to) against the embedded migrations.
func RunMigrations(ctx context.Context, conn *sql.DB, command string, args ...string) error {
	if err := initGoose(); err != nil {
		return fmt.Errorf("init goose: %w", err)
	}
	if err := goose.RunContext(ctx, command, conn, ".", args...); err != nil {
		return fmt.Errorf("migrate %s: %w", command, err)
	}
	return nil
}
