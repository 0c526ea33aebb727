package tests

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/db"
)

// OpenTestDB connects to DATABASE_URL, migrates it and empties the run
// journal. Tests are skipped when DATABASE_URL is unset.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, url, zerolog.Nop())
	if err != nil {
		t.Fatalf("database open must succeed; check DATABASE_URL and that the test DB exists: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.Migrate(database, zerolog.Nop()); err != nil {
		t.Fatalf("migrations must run successfully: %v", err)
	}
	if err := TruncateRuns(ctx, database); err != nil {
		t.Fatal(err)
	}
	return database
}

// TruncateRuns empties the run journal for a clean test state.
func TruncateRuns(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(ctx, "TRUNCATE TABLE provisioning_runs")
	if err != nil {
		return fmt.Errorf("truncate provisioning_runs: %w", err)
	}
	return nil
}
