package datarecording_test

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T, filename string) *sql.DB {
	db, err := sql.Open("sqlite3", filename)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}
