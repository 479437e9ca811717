package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/posrelay/internal/db"
	"github.com/g960059/posrelay/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	return OpenStoreAt(t, filepath.Join(t.TempDir(), "posrelay-test.db"))
}

// OpenStoreAt opens (or reopens) a store at path, simulating a process restart
// when called twice for the same path.
func OpenStoreAt(t *testing.T, path string) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, path)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedOperations appends n operations to queue with ids "<prefix>-<i>".
func SeedOperations(t *testing.T, store *db.Store, ctx context.Context, queue, prefix string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		if err := store.AppendOperation(ctx, model.QueuedOperation{
			ID:         id,
			Queue:      queue,
			Endpoint:   "/checks",
			Method:     "POST",
			Body:       []byte(fmt.Sprintf(`{"seq":%d}`, i)),
			EnqueuedAt: now,
		}); err != nil {
			t.Fatalf("seed operation %s: %v", id, err)
		}
		ids = append(ids, id)
	}
	return ids
}
