package testsupport

import (
	"testing"

	"bibwatch/internal/config"
	"bibwatch/internal/statedb"
)

// MustOpenStore opens the state mirror for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *statedb.Store {
	t.Helper()

	store, err := statedb.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("statedb.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
