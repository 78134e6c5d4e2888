/*
ledger.go - Append-only event ledger of financial mutations

PURPOSE:
  The ledger is the audit trail of every committed change to a user's
  FinancialState. Each entry carries full before/after snapshots, so the
  current state can be reconstructed from the ledger alone.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IDS: per user, 1-based, each new id is max(existing) + 1
  3. CHAIN: after(n) equals before(n+1) for consecutive entries

  Append refuses an entry whose before does not match the last after, so a
  broken chain can only come from outside the guard. VerifyChain detects it.

EVENT KINDS:
  debt-added        first debt recorded
  debt-updated      debt amount changed
  debt-removed      confirmed deletion (full reset)
  debt-removed-all  confirmed deletion with an "all" quantifier
  timeline-set      target months recorded or changed
  pace-computed     monthly/daily pace derived
  phase-advanced    phase moved forward with no other change
  budget-updated    monthly income or expenses recorded, nothing else changed
  strategy-saved    confirmed AI-authored strategy persisted
  debt-cleared      user reported the debt paid off (phase 5)

SEE ALSO:
  - store.go: Low-level persistence interface
  - guard.go: The only caller of Append
*/
package finance

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	KindDebtAdded      EventKind = "debt-added"
	KindDebtUpdated    EventKind = "debt-updated"
	KindDebtRemoved    EventKind = "debt-removed"
	KindDebtRemovedAll EventKind = "debt-removed-all"
	KindTimelineSet    EventKind = "timeline-set"
	KindPaceComputed   EventKind = "pace-computed"
	KindPhaseAdvanced  EventKind = "phase-advanced"
	KindStrategySaved  EventKind = "strategy-saved"
	KindDebtCleared    EventKind = "debt-cleared"
	KindBudgetUpdated  EventKind = "budget-updated"
)

// Event is one immutable ledger entry.
type Event struct {
	ID          int64               `json:"id"`
	Kind        EventKind           `json:"kind"`
	Amount      decimal.NullDecimal `json:"amount"`
	Description string              `json:"description"`
	Timestamp   int64               `json:"timestamp"`
	Before      FinancialState      `json:"before"`
	After       FinancialState      `json:"after"`
}

// ClassifyChange names the most significant difference between two states,
// or "" when their content is the same.
func ClassifyChange(before, after FinancialState) EventKind {
	switch {
	case !before.HasDebt() && after.HasDebt():
		return KindDebtAdded
	case before.HasDebt() && after.HasDebt() && !before.TotalDebt.Decimal.Equal(after.TotalDebt.Decimal):
		return KindDebtUpdated
	case after.HasPace() && (!before.HasPace() || !nullEqual(before.MonthlyPace, after.MonthlyPace)):
		return KindPaceComputed
	case before.Months() != after.Months():
		return KindTimelineSet
	case before.Phase != after.Phase || before.Focus != after.Focus:
		return KindPhaseAdvanced
	case !nullEqual(before.MonthlyIncome, after.MonthlyIncome) || !nullEqual(before.MonthlyExpenses, after.MonthlyExpenses):
		return KindBudgetUpdated
	case !before.SameContent(after):
		return KindPhaseAdvanced
	}
	return ""
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store}
}

// Append assigns the next id and persists e. The entry's Before must equal
// the last entry's After.
func (l *Ledger) Append(ctx context.Context, userID string, e Event) (Event, error) {
	events, err := l.Store.LoadEvents(ctx, userID)
	if err != nil {
		return Event{}, fmt.Errorf("load ledger: %w", err)
	}

	var maxID int64
	for _, existing := range events {
		maxID = max(maxID, existing.ID)
	}
	e.ID = maxID + 1

	if n := len(events); n > 0 && !events[n-1].After.Equal(e.Before) {
		return Event{}, &ChainError{UserID: userID, EventID: e.ID, Reason: "before does not match previous after"}
	}

	if err := l.Store.AppendEvent(ctx, userID, e); err != nil {
		return Event{}, fmt.Errorf("append ledger event: %w", err)
	}
	return e, nil
}

// Events returns the user's ledger, oldest first.
func (l *Ledger) Events(ctx context.Context, userID string) ([]Event, error) {
	return l.Store.LoadEvents(ctx, userID)
}

// Verify loads the user's ledger and checks the chain.
func (l *Ledger) Verify(ctx context.Context, userID string) error {
	events, err := l.Store.LoadEvents(ctx, userID)
	if err != nil {
		return err
	}
	return VerifyChain(userID, events)
}

// Replay reconstructs the current state from the ledger: the After of the
// last entry, or the zero state for an empty ledger.
func (l *Ledger) Replay(ctx context.Context, userID string) (FinancialState, error) {
	events, err := l.Store.LoadEvents(ctx, userID)
	if err != nil {
		return FinancialState{}, err
	}
	if err := VerifyChain(userID, events); err != nil {
		return FinancialState{}, err
	}
	if len(events) == 0 {
		return FinancialState{}, nil
	}
	return events[len(events)-1].After, nil
}

// VerifyChain checks that ids run 1, 2, 3... and that each entry's Before
// equals the previous entry's After.
func VerifyChain(userID string, events []Event) error {
	for i, e := range events {
		if want := int64(i + 1); e.ID != want {
			return &ChainError{UserID: userID, EventID: e.ID, Reason: fmt.Sprintf("expected id %d", want)}
		}
		if i > 0 && !events[i-1].After.Equal(e.Before) {
			return &ChainError{UserID: userID, EventID: e.ID, Reason: "before does not match previous after"}
		}
	}
	return nil
}
