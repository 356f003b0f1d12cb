package testutil

import (
	"testing"

	"github.com/nhle/mailsync/internal/cache"
)

// NewTestCache creates an in-memory SQLiteCache with all migrations
// applied, scoped to the given account. It automatically closes the
// cache when the test completes.
func NewTestCache(t *testing.T, account string) *cache.SQLiteCache {
	t.Helper()

	c, err := cache.NewSQLiteCache(":memory:", account)
	if err != nil {
		t.Fatalf("creating test cache: %v", err)
	}

	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("closing test cache: %v", err)
		}
	})

	return c
}
