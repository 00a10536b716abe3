package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"

	"github.com/samhotchkiss/threadmask/internal/automigrate"
	"github.com/samhotchkiss/threadmask/internal/config"
	"github.com/samhotchkiss/threadmask/internal/logger"
)

var nonNameChars = regexp.MustCompile(`[^a-z0-9_]+`)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		exitWithError(err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		exitWithError(err)
	}
	defer log.Sync()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "up":
		err = withMigrator(cfg, log, func(m *migrate.Migrate) error { return runSteps(m, args, 1) })
	case "down":
		err = withMigrator(cfg, log, func(m *migrate.Migrate) error { return runSteps(m, args, -1) })
	case "force":
		err = withMigrator(cfg, log, func(m *migrate.Migrate) error { return runForce(m, args) })
	case "version":
		err = withMigrator(cfg, log, printVersion)
	case "create":
		err = runCreate(cfg.MigrationsDir, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		usage()
		os.Exit(1)
	}
	if err != nil {
		exitWithError(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [args]\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  up [n]        Apply all migrations or the next n migrations")
	fmt.Fprintln(os.Stderr, "  down [n]      Roll back all migrations or the last n migrations")
	fmt.Fprintln(os.Stderr, "  version       Print the applied schema version")
	fmt.Fprintln(os.Stderr, "  create <name> Create the next numbered migration pair")
	fmt.Fprintln(os.Stderr, "  force <ver>   Force set the migration version (fixes dirty state)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  DATABASE_URL    PostgreSQL connection string")
	fmt.Fprintln(os.Stderr, "  MIGRATIONS_DIR  Directory holding NNN_name.up.sql/.down.sql (default migrations)")
}

func withMigrator(cfg config.Config, log *logger.Logger, fn func(*migrate.Migrate) error) error {
	m, err := automigrate.New(cfg.DatabaseURL, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	defer automigrate.Close(m, log)
	return fn(m)
}

// runSteps applies everything in direction when no count is given.
func runSteps(m *migrate.Migrate, args []string, direction int) error {
	var err error
	switch {
	case len(args) > 0:
		steps, parseErr := parseSteps(args[0])
		if parseErr != nil {
			return parseErr
		}
		err = m.Steps(direction * steps)
	case direction > 0:
		err = m.Up()
	default:
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return printVersion(m)
}

func runForce(m *migrate.Migrate, args []string) error {
	if len(args) == 0 {
		return errors.New("version number is required")
	}
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version: %s", args[0])
	}
	if err := m.Force(version); err != nil {
		return err
	}
	fmt.Printf("Forced version to %d\n", version)
	return nil
}

func printVersion(m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("No migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Schema version %d (dirty=%t)\n", version, dirty)
	return nil
}

func runCreate(dir string, args []string) error {
	if len(args) == 0 {
		return errors.New("migration name is required")
	}
	name := sanitizeName(args[0])
	if name == "" {
		return errors.New("migration name must include at least one alphanumeric character")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	next, err := automigrate.NextVersion(dir)
	if err != nil {
		return err
	}
	base := fmt.Sprintf("%03d_%s", next, name)
	upPath := filepath.Join(dir, base+".up.sql")
	downPath := filepath.Join(dir, base+".down.sql")

	if err := writeMigrationFile(upPath, "-- migrate up\n"); err != nil {
		return err
	}
	if err := writeMigrationFile(downPath, "-- migrate down\n"); err != nil {
		return err
	}
	fmt.Printf("Created %s and %s\n", upPath, downPath)
	return nil
}

func parseSteps(value string) (int, error) {
	steps, err := strconv.Atoi(value)
	if err != nil || steps <= 0 {
		return 0, fmt.Errorf("invalid steps: %s", value)
	}
	return steps, nil
}

func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	name = nonNameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "_")
}

func writeMigrationFile(path string, contents string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(contents)
	return err
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
	usage()
	os.Exit(1)
}
