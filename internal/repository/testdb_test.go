package repository

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/campuslib/ebook-delivery/internal/database"
)

// setupTestDB connects to TEST_DATABASE_URL, applies migrations and empties
// every table. Tests are skipped when the variable is unset.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.Connect(url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	_, err = db.Exec(`TRUNCATE cart_entries, otp_challenges, download_sessions, delivery_records, audit_log, catalog_items RESTART IDENTITY`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })
	return db
}
