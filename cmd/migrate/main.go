// cmd/migrate applies the SQL migrations in migrations/ against the registry
// database using golang-migrate.
//
// Usage:
//
//	go run ./cmd/migrate            # apply all pending migrations
//	go run ./cmd/migrate -down 1    # roll back one migration
//	go run ./cmd/migrate -version   # print the current version
//	DATABASE_URL=postgres://... go run ./cmd/migrate
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmerrifield20/agent-registry/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to registry.yaml")
	down := flag.Int("down", 0, "roll back this many migrations instead of applying")
	force := flag.Int("force", -1, "force the recorded version (clears the dirty flag) and exit")
	showVersion := flag.Bool("version", false, "print the current schema version and exit")
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		return err
	}
	dbURL := cfg.Database.URL
	if env := os.Getenv("DATABASE_URL"); env != "" {
		dbURL = env
	}

	dir, err := filepath.Abs(cfg.Database.MigrationsPath)
	if err != nil {
		return fmt.Errorf("resolve migrations path: %w", err)
	}

	m, err := migrate.New("file://"+filepath.ToSlash(dir), driverURL(dbURL))
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()

	switch {
	case *showVersion:
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("no migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		fmt.Printf("version %d (dirty=%t)\n", v, dirty)
		return nil

	case *force >= 0:
		if err := m.Force(*force); err != nil {
			return fmt.Errorf("force version %d: %w", *force, err)
		}
		fmt.Printf("forced version %d\n", *force)
		return nil

	case *down > 0:
		err = m.Steps(-*down)
	default:
		err = m.Up()
	}

	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Println("nothing to migrate, already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	v, _, _ := m.Version()
	fmt.Printf("schema at version %d\n", v)
	return nil
}

// driverURL rewrites a postgres:// URL to the pgx5:// scheme the pgx/v5
// migrate driver registers.
func driverURL(dbURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dbURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(dbURL, prefix)
		}
	}
	return dbURL
}
