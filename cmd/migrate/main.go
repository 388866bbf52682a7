// Command migrate applies or rolls back the replica schema out of band.
// The daemon migrates on startup; this tool exists for scripted resets and
// for inspecting a replica file without starting syncd.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // database/sql driver

	dbmigrations "github.com/wrapshop/fieldsync/db/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		path  = flag.String("database", "", "Path to the replica SQLite file")
		quiet = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	if strings.TrimSpace(*path) == "" {
		return errors.New("-database flag is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "fieldsync-migrate ", log.LstdFlags)
	}

	migrator, cleanup, err := newMigrator(*path)
	if err != nil {
		return err
	}
	defer cleanup()

	switch args[0] {
	case "up":
		if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations: %w", err)
		}
		logf(logger, "replica schema up to date: %s", *path)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		if steps <= 0 {
			return fmt.Errorf("down steps must be positive, got %d", steps)
		}
		if err := migrator.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("roll back migrations: %w", err)
		}
		logf(logger, "rolled back %d migration(s): %s", steps, *path)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}

	return nil
}

func newMigrator(path string) (*migrate.Migrate, func(), error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open replica: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping replica: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("initialise migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		_ = sourceDriver.Close()
		_ = db.Close()
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}

	cleanup := func() {
		_ = sourceDriver.Close()
		_ = db.Close()
	}
	return migrator, cleanup, nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
