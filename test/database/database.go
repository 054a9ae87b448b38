// Package database provides an in-memory SQLite client for service tests.
package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/database"
)

// NewTestClient opens a fresh in-memory database with migrations applied.
// Each call gets an isolated schema; Close is registered via t.Cleanup.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	client, err := database.NewClient(context.Background(), database.Config{
		Path:          "file::memory:?cache=private",
		BusyTimeoutMS: 5000,
		MaxOpenConns:  1,
		MaxIdleConns:  1,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return client
}
