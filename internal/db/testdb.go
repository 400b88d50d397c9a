package db

import "testing"

// OpenTestDB opens an in-memory database with all migrations applied.
// The database is closed when the test finishes.
func OpenTestDB(t testing.TB) *DB {
	t.Helper()
	database, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}
