package hmm

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates a new SQLite database and a Store for testing.
// It uses t.Cleanup to ensure resources are released.
func setupTestDB(t *testing.T) (*sql.DB, *Store) {
	dbFile := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dbFile+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := SetupSchema(db); err != nil {
		t.Fatalf("failed to set up schema: %v", err)
	}

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return db, s
}

// weatherModel builds the three-state weather model with sequence length t.
func weatherModel(t *testing.T, length int) *Model {
	t.Helper()
	m, err := NewModelFromRows(length,
		[][]float64{
			{0.7, 0.2, 0.1},
			{0.3, 0.4, 0.3},
			{0.2, 0.3, 0.5},
		},
		[][]float64{
			{0.1, 0.8, 0.1},
			{0.4, 0.3, 0.3},
			{0.8, 0.1, 0.1},
		},
		[]float64{0.5, 0.3, 0.2},
	)
	if err != nil {
		t.Fatalf("weather model: %v", err)
	}
	return m
}

const (
	sunny = iota
	cloudy
	rainy
)

const (
	umbrella = iota
	sunglasses
	stayHome
)
