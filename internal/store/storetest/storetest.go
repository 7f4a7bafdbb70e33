// Package storetest provides SQLite-backed stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/store"
	"github.com/rs/zerolog"
)

// New opens a migrated store in a temporary directory. The database is closed
// when the test ends.
func New(t testing.TB) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "fleetlink.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(zerolog.Nop(), db)
}

// AddDevice provisions a device with the given token.
func AddDevice(t testing.TB, s *store.Store, id, token string) *fleet.Device {
	t.Helper()
	hash, err := fleet.HashToken(token)
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	d := &fleet.Device{ID: id, Name: id, TokenHash: hash}
	if err := s.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("create device %s: %v", id, err)
	}
	return d
}
