package sessions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loomrun/loom/pkg/conversation"
)

func openTestCheckpointStore(t *testing.T) *CheckpointStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := OpenCheckpointStore(context.Background(), path)
	if err != nil {
		t.Fatalf("open checkpoint store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCheckpointStore_PutGetUpsert(t *testing.T) {
	store := openTestCheckpointStore(t)
	ctx := context.Background()

	cp := &Checkpoint{
		SessionID: "s1",
		ID:        "cp1",
		State:     conversation.Session{ID: "s1", WorkingDir: "/work"},
	}
	if err := store.Put(ctx, cp); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "s1", "cp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State.WorkingDir != "/work" {
		t.Fatalf("expected working dir preserved, got %q", got.State.WorkingDir)
	}

	// Upsert: same (session_id, id) replaces the row rather than erroring.
	cp.State = conversation.Session{ID: "s1", WorkingDir: "/work-updated"}
	cp.ParentID = "cp0"
	if err := store.Put(ctx, cp); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	got, err = store.Get(ctx, "s1", "cp1")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.State.WorkingDir != "/work-updated" {
		t.Fatalf("expected upserted working dir, got %q", got.State.WorkingDir)
	}
	if got.ParentID != "cp0" {
		t.Fatalf("expected parent id cp0, got %q", got.ParentID)
	}
}

func TestCheckpointStore_ListMostRecentFirst(t *testing.T) {
	store := openTestCheckpointStore(t)
	ctx := context.Background()

	for _, id := range []string{"cp1", "cp2", "cp3"} {
		cp := &Checkpoint{SessionID: "s1", ID: id, State: conversation.Session{ID: "s1"}}
		if err := store.Put(ctx, cp); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	list, err := store.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(list))
	}
	if list[0].ID != "cp3" {
		t.Fatalf("expected most-recent-first order, got first=%s", list[0].ID)
	}
}

func TestCheckpointStore_DeleteSessionCascades(t *testing.T) {
	store := openTestCheckpointStore(t)
	ctx := context.Background()

	_ = store.Put(ctx, &Checkpoint{SessionID: "s1", ID: "cp1", State: conversation.Session{ID: "s1"}})
	_ = store.Put(ctx, &Checkpoint{SessionID: "s1", ID: "cp2", State: conversation.Session{ID: "s1"}})
	_ = store.Put(ctx, &Checkpoint{SessionID: "s2", ID: "cp1", State: conversation.Session{ID: "s2"}})

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	list, err := store.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list s1: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected s1 checkpoints gone, got %d", len(list))
	}

	list, err = store.List(ctx, "s2")
	if err != nil {
		t.Fatalf("list s2: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected s2 checkpoints untouched, got %d", len(list))
	}
}
