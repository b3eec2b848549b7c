package state

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"
)

var (
	// ErrUnknownSession is returned when operations reference an undefined key.
	ErrUnknownSession = errors.New("unknown session")
)

// Conversation is the ordered message log of one session.
type Conversation struct {
	mu          sync.RWMutex
	key         string
	messages    []Message
	storagePath string
	createdAt   time.Time
	updatedAt   time.Time
}

// Key returns the session identifier.
func (c *Conversation) Key() string {
	return c.key
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len reports how many messages are stored.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Append adds a message to the end of the history.
func (c *Conversation) Append(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.touchLocked()
}

// Replace swaps the history for the provided slice.
func (c *Conversation) Replace(messages []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make([]Message, len(messages))
	copy(c.messages, messages)
	c.touchLocked()
}

// Clear empties the history.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.touchLocked()
}

// CreatedAt returns when the conversation was first persisted.
func (c *Conversation) CreatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.createdAt
}

// UpdatedAt returns when the conversation last changed.
func (c *Conversation) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

func (c *Conversation) touchLocked() {
	now := time.Now()
	if c.createdAt.IsZero() {
		c.createdAt = now
	}
	c.updatedAt = now
}

func (c *Conversation) snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	return Snapshot{
		Key:         c.key,
		Messages:    msgs,
		CreatedAt:   c.createdAt,
		UpdatedAt:   c.updatedAt,
		StoragePath: c.storagePath,
	}
}

// Snapshot is the persisted form of a conversation.
type Snapshot struct {
	Key         string    `json:"key"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StoragePath string    `json:"-"`
}

// PruneEvent records one budget-driven truncation of a session.
type PruneEvent struct {
	Session         string    `json:"session"`
	TokensBefore    int       `json:"tokens_before"`
	TokensAfter     int       `json:"tokens_after"`
	TurnsRemoved    int       `json:"turns_removed"`
	MessagesRemoved int       `json:"messages_removed"`
	Placeholder     bool      `json:"placeholder"`
	At              time.Time `json:"at"`
}

// Persister stores conversation snapshots between process runs.
type Persister interface {
	Load() ([]Snapshot, error)
	// Save writes the snapshot and returns the location it was written to.
	Save(snap Snapshot) (string, error)
	Delete(snap Snapshot) error
	RecordPrune(event PruneEvent) error
	Close() error
}

// Manager owns every session's conversation.
type Manager struct {
	mu        sync.RWMutex
	states    map[string]*Conversation
	persister Persister
	logger    *log.Logger
}

// NewManager loads stored conversations from the persister. A nil persister keeps
// conversations in memory only.
func NewManager(persister Persister, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	mgr := &Manager{
		states:    make(map[string]*Conversation),
		persister: persister,
		logger:    logger,
	}
	if persister == nil {
		return mgr, nil
	}
	snaps, err := persister.Load()
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	for _, snap := range snaps {
		if existing, ok := mgr.states[snap.Key]; ok && existing.updatedAt.After(snap.UpdatedAt) {
			continue
		}
		mgr.states[snap.Key] = &Conversation{
			key:         snap.Key,
			messages:    snap.Messages,
			storagePath: snap.StoragePath,
			createdAt:   snap.CreatedAt,
			updatedAt:   snap.UpdatedAt,
		}
	}
	if len(snaps) > 0 {
		logger.Printf("loaded %d stored conversations", len(mgr.states))
	}
	return mgr, nil
}

// Get returns the conversation for key if it exists.
func (m *Manager) Get(key string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.states[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	return conv, nil
}

// Ensure fetches or creates the conversation for key.
func (m *Manager) Ensure(key string) (*Conversation, error) {
	if key == "" {
		return nil, errors.New("session key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.states[key]; ok {
		return conv, nil
	}
	now := time.Now()
	conv := &Conversation{key: key, createdAt: now, updatedAt: now}
	if err := m.persistLocked(conv); err != nil {
		return nil, err
	}
	m.states[key] = conv
	return conv, nil
}

// Save writes the conversation through the persister.
func (m *Manager) Save(conv *Conversation) error {
	if conv == nil {
		return errors.New("conversation is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[conv.key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, conv.key)
	}
	return m.persistLocked(conv)
}

// Clear empties the conversation for key and persists the result.
func (m *Manager) Clear(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.states[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	conv.Clear()
	return m.persistLocked(conv)
}

// Delete removes a session from memory and storage.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.states[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	if m.persister != nil {
		if err := m.persister.Delete(conv.snapshot()); err != nil {
			return fmt.Errorf("delete session %s: %w", key, err)
		}
	}
	delete(m.states, key)
	return nil
}

// RecordPrune stores a pruning event. Stores without persistence drop it.
func (m *Manager) RecordPrune(event PruneEvent) error {
	if m.persister == nil {
		return nil
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	return m.persister.RecordPrune(event)
}

// ListKeys returns the known session identifiers.
func (m *Manager) ListKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.states))
	for k := range m.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summary captures metadata about a stored conversation without exposing message content.
type Summary struct {
	Key          string    `json:"key"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Summaries returns one entry per session, most recently updated first.
func (m *Manager) Summaries() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summaries := make([]Summary, 0, len(m.states))
	for key, conv := range m.states {
		summaries = append(summaries, Summary{
			Key:          key,
			CreatedAt:    conv.CreatedAt(),
			UpdatedAt:    conv.UpdatedAt(),
			MessageCount: conv.Len(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries
}

// Close releases the persister.
func (m *Manager) Close() error {
	if m.persister == nil {
		return nil
	}
	return m.persister.Close()
}

func (m *Manager) persistLocked(conv *Conversation) error {
	if m.persister == nil {
		return nil
	}
	path, err := m.persister.Save(conv.snapshot())
	if err != nil {
		return fmt.Errorf("persist conversation %s: %w", conv.key, err)
	}
	conv.mu.Lock()
	conv.storagePath = path
	conv.mu.Unlock()
	return nil
}
