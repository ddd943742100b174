package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// DefaultMigrationsSource is resolved relative to the working directory.
const DefaultMigrationsSource = "file://migrations"

// MigrationStatus describes the schema version after a migration run.
type MigrationStatus struct {
	Version uint
	Applied bool
}

func newMigrate(databaseURL, source string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, func() { db.Close() }, nil
}

// MigrateUp applies every pending migration from source.
func MigrateUp(databaseURL, source string) (MigrationStatus, error) {
	m, closeDB, err := newMigrate(databaseURL, source)
	if err != nil {
		return MigrationStatus{}, err
	}
	defer closeDB()

	applied := true
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return MigrationStatus{}, fmt.Errorf("failed to apply migrations: %w", err)
		}
		applied = false
	}

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("migrations: database is up to date (no migrations applied)")
			return MigrationStatus{}, nil
		}
		return MigrationStatus{}, fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return MigrationStatus{Version: version}, fmt.Errorf("migration version %d is dirty - manual intervention required", version)
	}

	if applied {
		log.Printf("migrations: applied successfully (version %d)", version)
	} else {
		log.Printf("migrations: database is up to date (version %d)", version)
	}
	return MigrationStatus{Version: version, Applied: applied}, nil
}

// MigrateDown rolls back the given number of migrations.
func MigrateDown(databaseURL, source string, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	m, closeDB, err := newMigrate(databaseURL, source)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	log.Printf("migrations: rolled back %d step(s)", steps)
	return nil
}
