// Package agentmgr implements the process-wide session-id → live-Agent
// map (spec.md §4.J): a bounded LRU with double-checked-locking creation
// and per-session serialized mutation, so two concurrent requests for the
// same new session id produce exactly one Agent and two requests against
// an existing session never race each other's loop turn.
package agentmgr

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Mode scopes an Agent's behavior without affecting its identity (spec.md
// §4.J): the same session id always maps to the same Agent regardless of
// which mode first created it.
type Mode struct {
	Kind   ModeKind
	Parent string // set when Kind == SubTask
}

// ModeKind discriminates the three agent modes.
type ModeKind string

const (
	Interactive ModeKind = "interactive"
	Background  ModeKind = "background"
	SubTask     ModeKind = "sub_task"
)

// InteractiveMode and BackgroundMode are convenience constructors for the modes
// that carry no extra data.
func InteractiveMode() Mode { return Mode{Kind: Interactive} }
func BackgroundMode() Mode  { return Mode{Kind: Background} }

// SubTaskMode builds a SubTask mode inheriting from parent.
func SubTaskMode(parent string) Mode { return Mode{Kind: SubTask, Parent: parent} }

// Agent is the minimal shape agentmgr needs from a live agent instance —
// satisfied by whatever the embedding application's own agent type is
// (e.g. one wrapping *internal/loop.Loop plus its *conversation.Session).
// Factory constructs a fresh Agent for a session id, the one hook this
// package requires the caller to supply.
type Agent interface {
	SessionID() string
}

// Factory constructs a new Agent for sessionID in the given mode. Called
// at most once per session id even under concurrent Get calls for the
// same new id.
type Factory func(sessionID string, mode Mode) (Agent, error)

// entry pairs an Agent with its recorded mode and the per-session
// ref-counted mutex serializing mutation of it.
type entry struct {
	agent Agent
	mode  Mode
	lock  *sessionLock
}

// sessionLock is the donor's ref-counted per-session mutex
// (internal/agent/tool_registry.go's sessionLock), reused here to
// serialize mutation of one Agent across concurrent callers without
// holding a lock for the whole manager while a turn runs.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Manager maps session id to live Agent behind a bounded LRU. Eviction
// runs only on overflow; Remove is explicit and never implicit.
type Manager struct {
	factory   Factory
	onEvicted func(sessionID string)

	mu    sync.Mutex
	cache *lru.Cache[string, *entry]

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// defaultCapacity is the "small N" spec.md §4.J leaves unspecified beyond
// "configurable, default some small N" — chosen to comfortably hold a
// single user's concurrently open sessions without unbounded growth.
const defaultCapacity = 64

// NewManager creates a Manager with the given capacity (defaultCapacity
// if <= 0) and factory.
func NewManager(capacity int, factory Factory) (*Manager, error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	m := &Manager{
		factory: factory,
		locks:   make(map[string]*sessionLock),
	}
	cache, err := lru.NewWithEvict(capacity, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("agentmgr: new LRU cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

func (m *Manager) onEvict(sessionID string, _ *entry) {
	m.locksMu.Lock()
	delete(m.locks, sessionID)
	m.locksMu.Unlock()
	if m.onEvicted != nil {
		m.onEvicted(sessionID)
	}
}

// OnEviction registers a callback invoked whenever the LRU evicts an
// entry on overflow (not on an explicit Remove). Used to feed
// internal/obs.Metrics.AgentEvictionCounter without this package
// depending on Prometheus directly.
func (m *Manager) OnEviction(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvicted = fn
}

// GetAgent returns the existing Agent for id, or creates one via the
// configured Factory and records it evicting the least-recently-used
// entry on overflow. Concurrent calls for the same unseen id block on
// the manager's lock during creation (the double-checked part: a second
// caller that loses the race observes the first caller's result instead
// of invoking Factory again) but do not block callers working with
// different, already-cached ids once creation completes.
func (m *Manager) GetAgent(id string, mode Mode) (Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("agentmgr: session id is required")
	}

	m.mu.Lock()
	if e, ok := m.cache.Get(id); ok {
		m.mu.Unlock()
		return e.agent, nil
	}

	// Double-checked creation: hold the manager lock across the factory
	// call itself so a second concurrent Get for the same new id finds
	// the first call's entry already cached rather than racing it.
	agent, err := m.factory(id, mode)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("agentmgr: create agent %q: %w", id, err)
	}
	m.cache.Add(id, &entry{agent: agent, mode: mode, lock: &sessionLock{}})
	m.mu.Unlock()
	return agent, nil
}

// Remove evicts id explicitly, erroring if it was not present.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	_, ok := m.cache.Peek(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agentmgr: no agent for session %q", id)
	}
	// lru's Remove runs the evict callback too; keep the overflow-only
	// OnEviction hook quiet for this explicit removal.
	cb := m.onEvicted
	m.onEvicted = nil
	m.cache.Remove(id)
	m.onEvicted = cb
	m.mu.Unlock()

	m.locksMu.Lock()
	delete(m.locks, id)
	m.locksMu.Unlock()
	return nil
}

// Mode returns the mode id was created with, if present.
func (m *Manager) Mode(id string) (Mode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache.Peek(id)
	if !ok {
		return Mode{}, false
	}
	return e.mode, true
}

// Len reports the number of cached agents.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// Lock serializes mutation of one session's Agent: callers hold the
// returned unlock func for as long as they are driving that session's
// loop turn. A ref count tracks concurrent waiters so the underlying
// mutex for an idle session can be reclaimed once nobody references it.
func (m *Manager) Lock(sessionID string) func() {
	m.locksMu.Lock()
	lock := m.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		m.locks[sessionID] = lock
	}
	lock.refs++
	m.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(m.locks, sessionID)
		}
		m.locksMu.Unlock()
	}
}
