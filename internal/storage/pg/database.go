package pg

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/convobase/chatcore/internal/config"
	_ "github.com/lib/pq"
)

type Database struct {
	DB *sql.DB
}

// InitDatabase initializes the database connection and runs migrations.
// The pool is constructed here and passed into each component explicitly;
// nothing in the repo opens its own connections.
func InitDatabase(databaseURL string) (*Database, error) {
	db, err := sql.Open("postgres", normalizeSSLMode(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.AppConfig.DBMaxOpenConns)
	db.SetMaxIdleConns(config.AppConfig.DBMaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(config.AppConfig.DBConnMaxIdleTime) * time.Minute)
	db.SetConnMaxLifetime(time.Duration(config.AppConfig.DBConnMaxLifetime) * time.Minute)

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Database{DB: db}, nil
}

// normalizeSSLMode requires SSL except for localhost connection strings.
// An explicit sslmode in the URL always wins.
func normalizeSSLMode(databaseURL string) string {
	if strings.Contains(databaseURL, "sslmode=") {
		return databaseURL
	}

	mode := "require"
	if parsed, err := url.Parse(databaseURL); err == nil {
		host := parsed.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			mode = "disable"
		}
	}

	sep := "?"
	if strings.Contains(databaseURL, "?") {
		sep = "&"
	}
	return databaseURL + sep + "sslmode=" + mode
}
