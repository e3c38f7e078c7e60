package repos

import (
	"context"
	"path/filepath"
	"testing"

	"medqueue/internal/config"
	"medqueue/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "kv-test.db")

	db, err := storage.OpenAndMigrate(ctx, cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestPutGetOverwriteDelete(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	if _, ok, err := store.Get(ctx, "session.lobby"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := store.Put(ctx, "session.lobby", "first"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "session.lobby", "second"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := store.Get(ctx, "session.lobby")
	if err != nil || !ok || v != "second" {
		t.Fatalf("get = %q, %v, %v", v, ok, err)
	}
	if err := store.Delete(ctx, "session.lobby"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "session.lobby"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "session.lobby"); ok {
		t.Fatal("key still present after delete")
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	store := openStore(t)
	if err := storage.Migrate(context.Background(), store.DB); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
