package sessions

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/loomrun/loom/pkg/conversation"
)

func TestFileStore_CreateLoadSave(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	session, err := store.Create("/work")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected generated id")
	}

	loaded, err := store.Load(session.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.WorkingDir != "/work" {
		t.Fatalf("expected working dir preserved, got %q", loaded.WorkingDir)
	}

	if _, err := os.Stat(filepath.Join(dir, session.ID+".json")); err != nil {
		t.Fatalf("expected session file on disk: %v", err)
	}
}

func TestFileStore_AppendMessagePersists(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	session, err := store.Create("/work")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	msg := conversation.NewMessage("m1", conversation.RoleUser, conversation.Text{Value: "hello"})
	if err := store.AppendMessage(session.ID, msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	loaded, err := store.Load(session.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Conversation.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", loaded.Conversation.Len())
	}
}

func TestFileStore_DeleteAndList(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	a, _ := store.Create("/a")
	_, _ = store.Create("/b")

	sessions, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	if err := store.Delete(a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	sessions, err = store.List()
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session after delete, got %d", len(sessions))
	}
}

func TestFileStore_ExportImportAssignsNewID(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	original, _ := store.Create("/work")
	msg := conversation.NewMessage("m1", conversation.RoleUser, conversation.Text{Value: "hi"})
	if err := store.AppendMessage(original.ID, msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	exported, err := store.Export(original.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	imported, err := store.Import(exported)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported.ID == original.ID {
		t.Fatal("expected import to assign a new id")
	}
	if imported.Conversation.Len() != 1 {
		t.Fatalf("expected conversation preserved on import, got %d messages", imported.Conversation.Len())
	}

	again, err := store.Import(exported)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if again.ID == imported.ID {
		t.Fatal("expected two imports of the same export to get distinct ids")
	}
}

func TestFileStore_ForkTruncatesAndRecordsParent(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	session, _ := store.Create("/work")
	for i := 0; i < 10; i++ {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		msg := conversation.NewMessage(strconv.Itoa(i), role, conversation.Text{Value: strconv.Itoa(i)})
		if err := store.AppendMessage(session.ID, msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	fork, err := store.Fork(session.ID, 5)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if fork.ID == session.ID {
		t.Fatal("expected fork to have a new id")
	}
	if fork.ParentSessionID == nil || *fork.ParentSessionID != session.ID {
		t.Fatalf("expected parent id %q, got %v", session.ID, fork.ParentSessionID)
	}
	if fork.Conversation.Len() != 5 {
		t.Fatalf("expected forked conversation truncated to 5 messages, got %d", fork.Conversation.Len())
	}

	original, err := store.Load(session.ID)
	if err != nil {
		t.Fatalf("reload original: %v", err)
	}
	if original.Conversation.Len() != 10 {
		t.Fatalf("expected original session untouched, got %d messages", original.Conversation.Len())
	}
}
