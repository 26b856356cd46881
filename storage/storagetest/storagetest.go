// Package storagetest provides test helpers for exercising a real
// storage.Storage against a throwaway bbolt file, the same os.MkdirTemp
// plus t.Cleanup pattern the teacher repo's test helpers use for
// scratch directories.
package storagetest

import (
	"os"
	"testing"

	"github.com/cuemby/strata/storage"
	"github.com/cuemby/strata/storage/config"
)

// NewTempStorage opens a *storage.Storage backed by a temp directory that
// is removed when the test completes, with prefixes registered as
// substores.
func NewTempStorage(t *testing.T, prefixes ...string) *storage.Storage {
	t.Helper()

	dir, err := os.MkdirTemp("", "strata-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default(dir)
	cfg.DefaultPrefixes = prefixes

	s, err := storage.Load(cfg)
	if err != nil {
		t.Fatalf("load storage: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Release(); err != nil {
			t.Logf("release storage: %v", err)
		}
	})

	return s
}
