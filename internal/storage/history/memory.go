// internal/storage/history/memory.go
package history

import (
	"sort"
	"sync"

	"github.com/newthinker/relaybot/internal/llm"
	"github.com/samber/lo"
)

// DefaultMaxMessages bounds a conversation when no limit is configured.
const DefaultMaxMessages = 20

// MemoryStore is an in-memory conversation store.
type MemoryStore struct {
	maxMessages int

	mu    sync.RWMutex
	convs map[UserID][]llm.Message

	locksMu sync.Mutex
	locks   map[UserID]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemoryStore creates a new in-memory store keeping at most maxMessages per user.
func NewMemoryStore(maxMessages int) *MemoryStore {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &MemoryStore{
		maxMessages: maxMessages,
		convs:       make(map[UserID][]llm.Message),
		locks:       make(map[UserID]*userLock),
	}
}

// MaxMessages returns the per-user bound.
func (m *MemoryStore) MaxMessages() int {
	return m.maxMessages
}

// Get returns a copy of the user's messages.
func (m *MemoryStore) Get(user UserID) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, ok := m.convs[user]
	if !ok {
		m.convs[user] = []llm.Message{}
		return []llm.Message{}
	}
	return append([]llm.Message(nil), msgs...)
}

// Append adds a message to the user's history.
func (m *MemoryStore) Append(user UserID, role llm.Role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := append(m.convs[user], llm.Message{Role: role, Content: content})
	m.convs[user] = evict(msgs, m.maxMessages)
}

// evict keeps system messages first, then the most recent other messages that fit.
func evict(msgs []llm.Message, limit int) []llm.Message {
	if len(msgs) <= limit {
		return msgs
	}

	system, other := lo.FilterReject(msgs, func(msg llm.Message, _ int) bool {
		return msg.Role == llm.RoleSystem
	})
	if len(system) > limit {
		system = system[len(system)-limit:]
	}
	keep := limit - len(system)
	if keep < 0 {
		keep = 0
	}
	if len(other) > keep {
		other = other[len(other)-keep:]
	}

	out := make([]llm.Message, 0, len(system)+len(other))
	out = append(out, system...)
	return append(out, other...)
}

// Clear removes the user's history.
func (m *MemoryStore) Clear(user UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, user)
}

// UserIDs returns users with a present history entry.
func (m *MemoryStore) UserIDs() []UserID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := lo.Keys(m.convs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of messages stored for the user.
func (m *MemoryStore) Len(user UserID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs[user])
}

// Lock acquires the user's lock. Lock entries are dropped once nobody holds or waits on them.
func (m *MemoryStore) Lock(user UserID) func() {
	m.locksMu.Lock()
	l, ok := m.locks[user]
	if !ok {
		l = &userLock{}
		m.locks[user] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			m.locksMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(m.locks, user)
			}
			m.locksMu.Unlock()
		})
	}
}
