// Package migrate applies the embedded ClickHouse schema for the
// kernel_events table.
package migrate

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"github.com/kernmlops/kerntrace/internal/export"
)

//go:embed sql/*.sql
var migrations embed.FS

// Migrator manages ClickHouse schema migrations.
type Migrator interface {
	// Up applies all pending migrations.
	Up() error
	// Down rolls back the last migration.
	Down() error
	// Status returns the current migration version.
	Status() (version uint, dirty bool, err error)
}

type migrator struct {
	log logrus.FieldLogger
	dsn string
}

// New creates a Migrator for a clickhouse:// DSN.
func New(log logrus.FieldLogger, dsn string) Migrator {
	return &migrator{
		log: log.WithField("component", "migrate"),
		dsn: dsn,
	}
}

// DSN builds a migration DSN from the raw sink's ClickHouse settings.
func DSN(cfg export.ClickHouseConfig) string {
	u := url.URL{
		Scheme: "clickhouse",
		Host:   cfg.Endpoint,
	}

	q := url.Values{}
	q.Set("x-multi-statement", "true")

	if cfg.Database != "" {
		q.Set("database", cfg.Database)
	}

	if cfg.Username != "" {
		q.Set("username", cfg.Username)
	}

	if cfg.Password != "" {
		q.Set("password", cfg.Password)
	}

	u.RawQuery = q.Encode()

	return u.String()
}

// Versions lists the embedded migration versions in apply order.
func Versions() ([]uint, error) {
	src, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return nil, fmt.Errorf("reading first migration: %w", err)
	}

	versions := []uint{v}

	for {
		v, err = src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return versions, nil
		}

		if err != nil {
			return nil, fmt.Errorf("reading next migration: %w", err)
		}

		versions = append(versions, v)
	}
}

func (m *migrator) Up() error {
	mig, err := m.newMigrate()
	if err != nil {
		return err
	}
	defer mig.Close()

	m.log.Info("Running migrations")

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, _, _ := mig.Version()
	m.log.WithField("version", version).Info("Migrations completed")

	return nil
}

func (m *migrator) Down() error {
	mig, err := m.newMigrate()
	if err != nil {
		return err
	}
	defer mig.Close()

	m.log.Info("Rolling back last migration")

	if err := mig.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migration: %w", err)
	}

	m.log.Info("Rollback completed")

	return nil
}

func (m *migrator) Status() (uint, bool, error) {
	mig, err := m.newMigrate()
	if err != nil {
		return 0, false, err
	}
	defer mig.Close()

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("getting migration version: %w", err)
	}

	return version, dirty, nil
}

func (m *migrator) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	mig, err := migrate.NewWithSourceInstance("iofs", src, m.dsn)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	mig.Log = &logger{log: m.log}

	return mig, nil
}

// logger adapts logrus to migrate.Logger.
type logger struct {
	log logrus.FieldLogger
}

func (l *logger) Printf(format string, v ...any) {
	l.log.Debugf(format, v...)
}

func (l *logger) Verbose() bool {
	return false
}
