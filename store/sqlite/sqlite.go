/*
Package sqlite provides a SQLite-backed implementation of finance.TxStore.

PURPOSE:
  Persists the per-user singletons (financial state, conversation state,
  message memory) and the append-only ledger in one SQLite database.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_events in this package
  - Triggers abort any UPDATE or DELETE on ledger_events issued by anyone
  - (user_id, id) is the primary key, so a reused id is rejected
    (finance.ErrDuplicateEventID)

KEY TABLES:
  financial_states:    one JSON document per user
  conversation_states: one JSON document per user
  memories:            one JSON document per user
  ledger_events:       immutable ledger, before/after snapshots as JSON

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so a
  transaction and a plain read never interleave (":memory:" databases also
  need the single connection to stay one database).

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/lifeos.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  guard := finance.NewGuard(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - finance/store.go: Interface definitions
  - finance/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lifeos/decision-engine/finance"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store implements finance.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS financial_states (
		user_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_states (
		user_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		user_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_events (
		user_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT,
		description TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		before_json TEXT NOT NULL,
		after_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_events_kind
		ON ledger_events(kind);

	CREATE TRIGGER IF NOT EXISTS ledger_events_no_update
		BEFORE UPDATE ON ledger_events
		BEGIN SELECT RAISE(ABORT, 'ledger_events is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS ledger_events_no_delete
		BEFORE DELETE ON ledger_events
		BEGIN SELECT RAISE(ABORT, 'ledger_events is append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (finance.Store interface)
// =============================================================================

func (s *Store) LoadFinancialState(ctx context.Context, userID string) (finance.FinancialState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st finance.FinancialState
	return st, loadDoc(ctx, s.db, "financial_states", userID, &st)
}

func (s *Store) SaveFinancialState(ctx context.Context, userID string, state finance.FinancialState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveDoc(ctx, s.db, "financial_states", userID, state)
}

func (s *Store) LoadConversation(ctx context.Context, userID string) (finance.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c finance.ConversationState
	return c, loadDoc(ctx, s.db, "conversation_states", userID, &c)
}

func (s *Store) SaveConversation(ctx context.Context, userID string, conv finance.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveDoc(ctx, s.db, "conversation_states", userID, conv)
}

func (s *Store) LoadMemory(ctx context.Context, userID string) (finance.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var m finance.Memory
	return m, loadDoc(ctx, s.db, "memories", userID, &m)
}

func (s *Store) SaveMemory(ctx context.Context, userID string, m finance.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveDoc(ctx, s.db, "memories", userID, m)
}

// AppendEvent adds an entry to the ledger. This is the ONLY ledger write.
func (s *Store) AppendEvent(ctx context.Context, userID string, e finance.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEvent(ctx, s.db, userID, e)
}

func (s *Store) LoadEvents(ctx context.Context, userID string) ([]finance.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEvents(ctx, s.db, userID)
}

func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listUsers(ctx, s.db)
}

// =============================================================================
// TRANSACTIONAL STORE (finance.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store finance.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every statement on the open transaction. The parent lock is
// already held.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LoadFinancialState(ctx context.Context, userID string) (finance.FinancialState, error) {
	var st finance.FinancialState
	return st, loadDoc(ctx, ts.tx, "financial_states", userID, &st)
}

func (ts *txStore) SaveFinancialState(ctx context.Context, userID string, state finance.FinancialState) error {
	return saveDoc(ctx, ts.tx, "financial_states", userID, state)
}

func (ts *txStore) LoadConversation(ctx context.Context, userID string) (finance.ConversationState, error) {
	var c finance.ConversationState
	return c, loadDoc(ctx, ts.tx, "conversation_states", userID, &c)
}

func (ts *txStore) SaveConversation(ctx context.Context, userID string, conv finance.ConversationState) error {
	return saveDoc(ctx, ts.tx, "conversation_states", userID, conv)
}

func (ts *txStore) LoadMemory(ctx context.Context, userID string) (finance.Memory, error) {
	var m finance.Memory
	return m, loadDoc(ctx, ts.tx, "memories", userID, &m)
}

func (ts *txStore) SaveMemory(ctx context.Context, userID string, m finance.Memory) error {
	return saveDoc(ctx, ts.tx, "memories", userID, m)
}

func (ts *txStore) AppendEvent(ctx context.Context, userID string, e finance.Event) error {
	return appendEvent(ctx, ts.tx, userID, e)
}

func (ts *txStore) LoadEvents(ctx context.Context, userID string) ([]finance.Event, error) {
	return loadEvents(ctx, ts.tx, userID)
}

func (ts *txStore) ListUsers(ctx context.Context) ([]string, error) {
	return listUsers(ctx, ts.tx)
}

// =============================================================================
// QUERIES
// =============================================================================

// loadDoc leaves v untouched when the user has no row.
func loadDoc(ctx context.Context, db dbtx, table, userID string, v any) error {
	var raw string
	err := db.QueryRowContext(ctx, "SELECT state_json FROM "+table+" WHERE user_id = ?", userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", table, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", table, err)
	}
	return nil
}

func saveDoc(ctx context.Context, db dbtx, table, userID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", table, err)
	}
	query := `INSERT INTO ` + table + ` (user_id, state_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, userID, string(data), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to save %s: %w", table, err)
	}
	return nil
}

func appendEvent(ctx context.Context, db dbtx, userID string, e finance.Event) error {
	before, err := json.Marshal(e.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(e.After)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ledger_events
		(user_id, id, kind, amount, description, timestamp, before_json, after_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		userID,
		e.ID,
		string(e.Kind),
		nullDecimal(e.Amount),
		e.Description,
		e.Timestamp,
		string(before),
		string(after),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return finance.ErrDuplicateEventID
		}
		return fmt.Errorf("failed to append ledger event: %w", err)
	}
	return nil
}

func loadEvents(ctx context.Context, db dbtx, userID string) ([]finance.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, amount, description, timestamp, before_json, after_json
		FROM ledger_events
		WHERE user_id = ?
		ORDER BY rowid ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var events []finance.Event
	for rows.Next() {
		var (
			e      finance.Event
			kind   string
			amount sql.NullString
			before string
			after  string
		)
		if err := rows.Scan(&e.ID, &kind, &amount, &e.Description, &e.Timestamp, &before, &after); err != nil {
			return nil, fmt.Errorf("failed to scan ledger event: %w", err)
		}
		e.Kind = finance.EventKind(kind)
		if amount.Valid {
			d, err := decimal.NewFromString(amount.String)
			if err != nil {
				return nil, fmt.Errorf("ledger event %d: bad amount: %w", e.ID, err)
			}
			e.Amount = decimal.NewNullDecimal(d)
		}
		if err := json.Unmarshal([]byte(before), &e.Before); err != nil {
			return nil, fmt.Errorf("ledger event %d: bad before snapshot: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(after), &e.After); err != nil {
			return nil, fmt.Errorf("ledger event %d: bad after snapshot: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func listUsers(ctx context.Context, db dbtx) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id FROM financial_states
		UNION SELECT user_id FROM conversation_states
		UNION SELECT user_id FROM memories
		UNION SELECT user_id FROM ledger_events
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// Helper functions

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
