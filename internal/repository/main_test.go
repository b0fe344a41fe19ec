package repository

import (
	"log"
	"os"
	"testing"

	"github.com/ruslanways/postways-v2/internal/config"
	"github.com/ruslanways/postways-v2/internal/database"

	"gorm.io/gorm"
)

// testDB is a live Postgres connection, nil when none is reachable. Most
// tests in this package run on sqlmock and do not need it; tests that do
// call requireLiveDB and skip without it.
var testDB *gorm.DB

func TestMain(m *testing.M) {
	os.Setenv("APP_ENV", "test")

	if cfg, err := config.LoadConfig(); err != nil {
		log.Printf("live database tests will skip: failed to load test config: %v", err)
	} else if db, err := database.Connect(cfg); err != nil {
		log.Printf("live database tests will skip: test database unavailable: %v", err)
	} else {
		testDB = db
	}

	code := m.Run()

	if testDB != nil {
		truncateTables(testDB)
	}

	os.Exit(code)
}

func requireLiveDB(t *testing.T) *gorm.DB {
	t.Helper()
	if testDB == nil {
		t.Skip("test database unavailable (start Postgres first)")
	}
	return testDB
}

func truncateTables(db *gorm.DB) {
	db.Exec("TRUNCATE TABLE likes, posts, blacklisted_tokens, outstanding_tokens, users CASCADE")
}
