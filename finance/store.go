/*
store.go - Persistence port for per-user finance data

PURPOSE:
  Defines the interface between the domain logic and the database.
  Implementations decide the format; the domain only relies on the shape
  and invariants below.

KEY INTERFACES:
  Store:   Load/save of the per-user singletons, append-only ledger access
  TxStore: Store plus WithTx for atomic multi-record writes

CONTRACT:
  - Loads of missing records return the zero value, never an error
    (states are created lazily)
  - AppendEvent is the ONLY ledger write. No update, no delete.
  - AppendEvent rejects an id that already exists (ErrDuplicateEventID)
  - LoadEvents returns entries in insertion order
  - Nothing is silently dropped: a write either succeeds or returns an error

IMPLEMENTATIONS:
  - finance/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - guard.go: Wraps every financial write in WithTx
*/
package finance

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	LoadFinancialState(ctx context.Context, userID string) (FinancialState, error)
	SaveFinancialState(ctx context.Context, userID string, state FinancialState) error

	LoadConversation(ctx context.Context, userID string) (ConversationState, error)
	SaveConversation(ctx context.Context, userID string, conv ConversationState) error

	// AppendEvent persists a ledger entry. This is the ONLY ledger write.
	AppendEvent(ctx context.Context, userID string, e Event) error

	// LoadEvents returns the user's ledger in insertion order.
	LoadEvents(ctx context.Context, userID string) ([]Event, error)

	LoadMemory(ctx context.Context, userID string) (Memory, error)
	SaveMemory(ctx context.Context, userID string, m Memory) error

	// ListUsers returns every user with any persisted record, sorted.
	ListUsers(ctx context.Context) ([]string, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
