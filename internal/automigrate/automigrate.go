// Package automigrate applies the numbered SQL migrations with golang-migrate.
package automigrate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/samhotchkiss/threadmask/internal/logger"
)

var migrationFilePattern = regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)

// New opens a migrator over its own connection. Callers must Close it.
func New(databaseURL, migrationsDir string) (*migrate.Migrate, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	dir, err := resolveDir(migrationsDir)
	if err != nil {
		return nil, err
	}
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open migrator: %w", err)
	}
	return m, nil
}

// Run applies every pending up migration.
func Run(databaseURL, migrationsDir string, log *logger.Logger) error {
	m, err := New(databaseURL, migrationsDir)
	if err != nil {
		return err
	}
	defer Close(m, log)

	before, _, _ := m.Version()
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("database schema up to date", "version", before)
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	after, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	log.Info("database migrations applied", "from_version", before, "to_version", after, "dirty", dirty)
	return nil
}

// Close releases the migrator's source and database handles.
func Close(m *migrate.Migrate, log *logger.Logger) {
	sourceErr, dbErr := m.Close()
	if sourceErr != nil {
		log.Warn("migration source close failed", "error", sourceErr)
	}
	if dbErr != nil {
		log.Warn("migration database close failed", "error", dbErr)
	}
}

// NextVersion returns the number the next migration should carry.
func NextVersion(migrationsDir string) (int, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 1, nil
		}
		return 0, fmt.Errorf("read migrations dir: %w", err)
	}

	highest := 0
	for _, entry := range entries {
		match := migrationFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if version > highest {
			highest = version
		}
	}
	return highest + 1, nil
}

func resolveDir(migrationsDir string) (string, error) {
	dir, err := filepath.Abs(firstNonEmpty(strings.TrimSpace(migrationsDir), "migrations"))
	if err != nil {
		return "", fmt.Errorf("resolve migrations dir: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("read migrations dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations path %s is not a directory", dir)
	}
	return dir, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
