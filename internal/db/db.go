package db

import (
	"database/sql"
	"embed"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	// Drivers register themselves with database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Open opens a connection for driver ("mysql", "pgx" or "sqlite3") and
// verifies it is alive.
func Open(driver, dsn string) (*sql.DB, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	if driver == "sqlite3" {
		// A single writer avoids "database is locked" under concurrent requests.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
	}

	return conn, nil
}

// Migrate applies the embedded migrations for driver.
func Migrate(conn *sql.DB, driver string) error {
	source, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return errors.Wrap(err, "could not create migration source")
	}

	var instance database.Driver
	switch driver {
	case "mysql":
		instance, err = migratemysql.WithInstance(conn, &migratemysql.Config{})
	case "pgx":
		instance, err = migratepgx.WithInstance(conn, &migratepgx.Config{})
	case "sqlite3":
		instance, err = migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	default:
		return errors.Errorf("no migrations for driver %q", driver)
	}
	if err != nil {
		return errors.Wrapf(err, "could not create %s migration driver", driver)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, instance)
	if err != nil {
		return errors.Wrap(err, "failed to create migrate instance")
	}

	logrus.WithField("driver", driver).Info("Applying database migrations")
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "an error occurred while applying migrations")
	}
	return nil
}

// Rebind rewrites "?" placeholders into the "$n" form Postgres expects.
// Queries for other drivers are returned unchanged.
func Rebind(driver, query string) string {
	if driver != "pgx" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
