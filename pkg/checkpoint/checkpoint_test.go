package checkpoint

import (
	"context"
	"os"
	"reflect"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupTestRedis connects to a local Redis, skipping when unavailable.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestKey(t *testing.T) {
	if got := Key("abc-123"); got != "etl:checkpoint:abc-123" {
		t.Errorf("Key() = %q, want %q", got, "etl:checkpoint:abc-123")
	}
}

func TestStore_SaveLoadDelete(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client, zerolog.New(os.Stderr).Level(zerolog.Disabled))
	ctx := context.Background()

	cp := Checkpoint{
		ScanID:           "scan-1",
		TenantID:         "acme",
		Cursor:           "cursor-40",
		PageSize:         50,
		Properties:       []string{"dealname", "amount", "custom_field_xyz"},
		PagesProcessed:   40,
		RecordsProcessed: 4000,
	}

	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx, "scan-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded == nil {
		t.Fatal("Load() = nil, want checkpoint")
	}
	if !reflect.DeepEqual(*loaded, cp) {
		t.Errorf("Load() = %+v, want %+v", *loaded, cp)
	}

	// Saving again replaces the previous checkpoint.
	cp.Cursor = "cursor-50"
	cp.PagesProcessed = 50
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err = store.Load(ctx, "scan-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Cursor != "cursor-50" || loaded.PagesProcessed != 50 {
		t.Errorf("Load() after overwrite = %+v, want cursor-50/50", *loaded)
	}

	if err := store.Delete(ctx, "scan-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	loaded, err = store.Load(ctx, "scan-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != nil {
		t.Errorf("Load() after delete = %+v, want nil", *loaded)
	}
}

func TestStore_LoadUnknownScan(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client, zerolog.New(os.Stderr).Level(zerolog.Disabled))

	loaded, err := store.Load(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != nil {
		t.Errorf("Load() = %+v, want nil for unknown scan", *loaded)
	}
}

func TestStore_SaveRequiresScanID(t *testing.T) {
	store := NewStore(nil, zerolog.New(os.Stderr).Level(zerolog.Disabled))

	if err := store.Save(context.Background(), Checkpoint{}); err == nil {
		t.Error("Save() with empty scan_id should fail")
	}
}
