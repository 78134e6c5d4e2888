package finance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lifeos/decision-engine/finance"
	"github.com/lifeos/decision-engine/finance/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newGuard(t *testing.T, s finance.TxStore, opts ...finance.GuardOption) (*finance.Guard, *fakeClock) {
	t.Helper()
	clock := newClock()
	opts = append([]finance.GuardOption{finance.WithClock(clock.Now)}, opts...)
	return finance.NewGuard(s, opts...), clock
}

// seedDebt records a debt through the guard, as the dialogue would.
func seedDebt(t *testing.T, g *finance.Guard, s finance.Store, userID, amount string) finance.FinancialState {
	t.Helper()
	ctx := context.Background()
	before, err := s.LoadFinancialState(ctx, userID)
	require.NoError(t, err)

	next := before.WithDebt(dec(amount)).WithPhase(finance.PhaseStopBleeding)
	_, err = g.Commit(ctx, userID, finance.Mutation{
		Kind:     finance.KindDebtAdded,
		Amount:   next.TotalDebt,
		Expected: before,
		Next:     next,
	})
	require.NoError(t, err)

	after, err := s.LoadFinancialState(ctx, userID)
	require.NoError(t, err)
	return after
}

func ledgerLen(t *testing.T, s finance.Store, userID string) int {
	t.Helper()
	events, err := s.LoadEvents(context.Background(), userID)
	require.NoError(t, err)
	return len(events)
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// faultyStore wraps a TxStore and injects failures inside transactions.
type faultyStore struct {
	*store.TxMemory
	failAppend bool
	// dropSaves makes SaveFinancialState report success without writing.
	dropSaves bool
}

func newFaultyStore() *faultyStore {
	return &faultyStore{TxMemory: store.NewTxMemory()}
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(finance.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(s finance.Store) error {
		return fn(&faultyView{Store: s, parent: f})
	})
}

type faultyView struct {
	finance.Store
	parent *faultyStore
}

func (v *faultyView) AppendEvent(ctx context.Context, userID string, e finance.Event) error {
	if v.parent.failAppend {
		return errors.New("disk full")
	}
	return v.Store.AppendEvent(ctx, userID, e)
}

func (v *faultyView) SaveFinancialState(ctx context.Context, userID string, state finance.FinancialState) error {
	if v.parent.dropSaves {
		return nil
	}
	return v.Store.SaveFinancialState(ctx, userID, state)
}

// recordingSink collects committed events.
type recordingSink struct {
	mu     sync.Mutex
	events []finance.Event
}

func (r *recordingSink) EventCommitted(_ context.Context, _ string, e finance.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) Kinds() []finance.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []finance.EventKind
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}
