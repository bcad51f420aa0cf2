package kvstore

import (
	"context"
	"strings"
)

// Open creates a postgres-backed store when databaseURL is set, a SQLite store
// when statePath is set, otherwise an in-memory store.
func Open(ctx context.Context, databaseURL, statePath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(statePath) != "" {
		return NewSQLiteStore(ctx, statePath)
	}
	return NewInMemoryStore(), nil
}
