package postgres

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mmynk/settleup/internal/storage"
	"github.com/mmynk/settleup/internal/storage/storagetest"
)

// newTestStore connects to TEST_DATABASE_URL and empties every table.
// Tests using it are skipped when the variable is unset.
func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	store, err := New(dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.db.Exec("TRUNCATE settlement_expenses, settlements, expense_splits, expenses, group_members, groups")
	require.NoError(t, err)
	return store
}

func TestPostgresStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
