// Package store provides finance.Store implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/lifeos/decision-engine/finance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record as JSON, so loads return independent copies and
// values round-trip exactly as they would through a database.
type Memory struct {
	mu            sync.RWMutex
	financial     map[string][]byte
	conversations map[string][]byte
	memories      map[string][]byte
	events        map[string][][]byte
}

func NewMemory() *Memory {
	return &Memory{
		financial:     make(map[string][]byte),
		conversations: make(map[string][]byte),
		memories:      make(map[string][]byte),
		events:        make(map[string][][]byte),
	}
}

func (m *Memory) LoadFinancialState(_ context.Context, userID string) (finance.FinancialState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadFinancialLocked(userID)
}

func (m *Memory) SaveFinancialState(_ context.Context, userID string, state finance.FinancialState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(m.financial, userID, state)
}

func (m *Memory) LoadConversation(_ context.Context, userID string) (finance.ConversationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadConversationLocked(userID)
}

func (m *Memory) SaveConversation(_ context.Context, userID string, conv finance.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(m.conversations, userID, conv)
}

// AppendEvent adds a ledger entry. Append-only.
func (m *Memory) AppendEvent(_ context.Context, userID string, e finance.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(userID, e)
}

func (m *Memory) LoadEvents(_ context.Context, userID string) ([]finance.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadEventsLocked(userID)
}

func (m *Memory) LoadMemory(_ context.Context, userID string) (finance.Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadMemoryLocked(userID)
}

func (m *Memory) SaveMemory(_ context.Context, userID string, mem finance.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(m.memories, userID, mem)
}

func (m *Memory) ListUsers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUsersLocked(), nil
}

// =============================================================================
// LOCKED HELPERS - Callers hold mu
// =============================================================================

func (m *Memory) put(table map[string][]byte, userID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	table[userID] = data
	return nil
}

func (m *Memory) loadFinancialLocked(userID string) (finance.FinancialState, error) {
	var s finance.FinancialState
	return s, decode(m.financial[userID], &s)
}

func (m *Memory) loadConversationLocked(userID string) (finance.ConversationState, error) {
	var c finance.ConversationState
	return c, decode(m.conversations[userID], &c)
}

func (m *Memory) loadMemoryLocked(userID string) (finance.Memory, error) {
	var mem finance.Memory
	return mem, decode(m.memories[userID], &mem)
}

func (m *Memory) appendLocked(userID string, e finance.Event) error {
	for _, raw := range m.events[userID] {
		var existing finance.Event
		if err := json.Unmarshal(raw, &existing); err != nil {
			return err
		}
		if existing.ID == e.ID {
			return finance.ErrDuplicateEventID
		}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	m.events[userID] = append(m.events[userID], data)
	return nil
}

func (m *Memory) loadEventsLocked(userID string) ([]finance.Event, error) {
	raw := m.events[userID]
	events := make([]finance.Event, 0, len(raw))
	for _, data := range raw {
		var e finance.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (m *Memory) listUsersLocked() []string {
	seen := make(map[string]bool)
	for _, table := range []map[string][]byte{m.financial, m.conversations, m.memories} {
		for id := range table {
			seen[id] = true
		}
	}
	for id := range m.events {
		seen[id] = true
	}
	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	slices.Sort(users)
	return users
}

func decode(data []byte, v any) error {
	if data == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(finance.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	financial     map[string][]byte
	conversations map[string][]byte
	memories      map[string][]byte
	events        map[string][][]byte
}

func (tm *TxMemory) snapshot() memorySnapshot {
	events := make(map[string][][]byte, len(tm.events))
	for k, v := range tm.events {
		events[k] = slices.Clone(v)
	}
	return memorySnapshot{
		financial:     cloneTable(tm.financial),
		conversations: cloneTable(tm.conversations),
		memories:      cloneTable(tm.memories),
		events:        events,
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.financial = s.financial
	tm.conversations = s.conversations
	tm.memories = s.memories
	tm.events = s.events
}

func cloneTable(t map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// txMemoryView runs inside WithTx, with the parent lock already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) LoadFinancialState(_ context.Context, userID string) (finance.FinancialState, error) {
	return tv.parent.loadFinancialLocked(userID)
}

func (tv *txMemoryView) SaveFinancialState(_ context.Context, userID string, state finance.FinancialState) error {
	return tv.parent.put(tv.parent.financial, userID, state)
}

func (tv *txMemoryView) LoadConversation(_ context.Context, userID string) (finance.ConversationState, error) {
	return tv.parent.loadConversationLocked(userID)
}

func (tv *txMemoryView) SaveConversation(_ context.Context, userID string, conv finance.ConversationState) error {
	return tv.parent.put(tv.parent.conversations, userID, conv)
}

func (tv *txMemoryView) AppendEvent(_ context.Context, userID string, e finance.Event) error {
	return tv.parent.appendLocked(userID, e)
}

func (tv *txMemoryView) LoadEvents(_ context.Context, userID string) ([]finance.Event, error) {
	return tv.parent.loadEventsLocked(userID)
}

func (tv *txMemoryView) LoadMemory(_ context.Context, userID string) (finance.Memory, error) {
	return tv.parent.loadMemoryLocked(userID)
}

func (tv *txMemoryView) SaveMemory(_ context.Context, userID string, mem finance.Memory) error {
	return tv.parent.put(tv.parent.memories, userID, mem)
}

func (tv *txMemoryView) ListUsers(_ context.Context) ([]string, error) {
	return tv.parent.listUsersLocked(), nil
}
