package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

func main() {
	var (
		databaseURL = flag.String("database-url", os.Getenv("GUARD_DATABASE_URL"), "postgres connection url")
		sourcePath  = flag.String("source", "file://migrations", "migration source")
		down        = flag.Bool("down", false, "roll back one migration instead of migrating up")
		steps       = flag.Int("steps", 0, "number of migrations to apply, 0 for all")
	)
	flag.Parse()

	if *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "migrate: database url is required")
		os.Exit(1)
	}

	m, err := migrate.New(*sourcePath, *databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	switch {
	case *down:
		err = m.Steps(-1)
	case *steps > 0:
		err = m.Steps(*steps)
	default:
		err = m.Up()
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintf(os.Stderr, "migrate: reading version: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("migrations applied, version=%d dirty=%v\n", version, dirty)
}
