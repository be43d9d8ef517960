package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loom/pkg/conversation"
)

// sessionFileMode matches the donor's SecureFileMode for sensitive local
// files — a session transcript can carry tool arguments and output the
// user never intended to share.
const sessionFileMode = 0600

// FileStore persists conversation.Session values as one JSON file per
// session under a directory, written atomically (temp file + rename) so a
// crash mid-save can never leave a half-written transcript on disk
// (spec.md §4.H: "atomic write: write-temp + rename").
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a FileStore rooted at dir. The directory is created
// on first write if it does not already exist.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// Create starts a new, empty session rooted at workingDir.
func (f *FileStore) Create(workingDir string) (*conversation.Session, error) {
	now := time.Now()
	session := &conversation.Session{
		ID:           uuid.NewString(),
		WorkingDir:   workingDir,
		Conversation: conversation.NewUnvalidated(nil),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := f.Save(session); err != nil {
		return nil, err
	}
	return session, nil
}

// Load reads a session by id.
func (f *FileStore) Load(id string) (*conversation.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked(id)
}

func (f *FileStore) loadLocked(id string) (*conversation.Session, error) {
	raw, err := os.ReadFile(f.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %q not found", id)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var versioned struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &versioned); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", id, err)
	}
	if versioned.SchemaVersion > conversation.CurrentSchemaVersion {
		return nil, fmt.Errorf("session %q was written by a newer schema version (%d > %d)", id, versioned.SchemaVersion, conversation.CurrentSchemaVersion)
	}

	var session conversation.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", id, err)
	}
	return &session, nil
}

// Save writes session to disk, replacing any existing file for its id.
func (f *FileStore) Save(session *conversation.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	session.UpdatedAt = time.Now()
	raw, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	path := f.path(session.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, sessionFileMode); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, path)
}

// AppendMessage loads the session, appends msg (unchecked — a session may
// legitimately be saved mid-turn with a dangling tool request), and saves
// the result.
func (f *FileStore) AppendMessage(id string, msg conversation.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, err := f.loadLocked(id)
	if err != nil {
		return err
	}
	session.Conversation = session.Conversation.AppendUnchecked(msg)
	session.UpdatedAt = time.Now()

	raw, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	path := f.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, sessionFileMode); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, path)
}

// Delete removes a session's file. A missing file is not an error.
func (f *FileStore) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns every session in the store, most-recently-updated first.
func (f *FileStore) List() ([]*conversation.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []*conversation.Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		session, err := f.loadLocked(id)
		if err != nil {
			continue // skip unreadable/corrupt files rather than failing the whole list
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Export returns the session encoded as JSON: the same fields as its
// on-disk file, written compactly rather than with the file's indentation.
func (f *FileStore) Export(id string) (string, error) {
	session, err := f.Load(id)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return string(raw), nil
}

// Import decodes an exported session and persists it under a freshly
// assigned id, so importing the same export twice never collides with an
// existing session.
func (f *FileStore) Import(data string) (*conversation.Session, error) {
	var session conversation.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("decode imported session: %w", err)
	}
	session.ID = uuid.NewString()
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	if err := f.Save(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Fork creates a new session from the messages[:cutoff] prefix of session
// id (a negative cutoff copies every message), recording the source as
// parent. The original session is untouched; resuming the fork and
// sending a new message advances only the fork.
func (f *FileStore) Fork(id string, cutoff int) (*conversation.Session, error) {
	source, err := f.Load(id)
	if err != nil {
		return nil, err
	}
	if cutoff < 0 {
		cutoff = source.Conversation.Len()
	}

	parentID := source.ID
	name := source.Name
	if name == "" {
		name = source.ID
	}

	fork := &conversation.Session{
		ID:              uuid.NewString(),
		ParentSessionID: &parentID,
		Name:            "Fork: " + name,
		WorkingDir:      source.WorkingDir,
		Model:           source.Model,
		Provider:        source.Provider,
		Conversation:    source.Conversation.Truncate(cutoff),
		Extensions:      append([]conversation.ExtensionEntry{}, source.Extensions...),
	}
	if err := f.Save(fork); err != nil {
		return nil, err
	}
	return fork, nil
}
