package finance_test

import (
	"context"
	"testing"

	"github.com/lifeos/decision-engine/finance"
	"github.com/lifeos/decision-engine/finance/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_IdsStartAtOneAndChain(t *testing.T) {
	// GIVEN: Three consecutive mutations
	// WHEN: Appending them through the ledger
	// THEN: Ids are 1, 2, 3 and each before equals the previous after

	ctx := context.Background()
	s := store.NewMemory()
	ledger := finance.NewLedger(s)

	s0 := finance.FinancialState{}
	s1 := s0.WithDebt(dec("1200")).WithPhase(finance.PhaseDefineDeadline)
	s2 := s1.WithTargetMonths(6).WithPhase(finance.PhaseComputePace)
	s3 := s2.WithPhase(finance.PhaseExecute)

	for _, step := range [][2]finance.FinancialState{{s0, s1}, {s1, s2}, {s2, s3}} {
		_, err := ledger.Append(ctx, "u1", finance.Event{
			Kind:   finance.ClassifyChange(step[0], step[1]),
			Before: step[0],
			After:  step[1],
		})
		require.NoError(t, err)
	}

	events, err := ledger.Events(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.ID)
	}
	assert.NoError(t, ledger.Verify(ctx, "u1"))

	replayed, err := ledger.Replay(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, replayed.Equal(s3))
}

func TestLedger_AppendRejectsUnchainedEntry(t *testing.T) {
	ctx := context.Background()
	ledger := finance.NewLedger(store.NewMemory())

	first := finance.FinancialState{}.WithDebt(dec("100"))
	_, err := ledger.Append(ctx, "u1", finance.Event{Kind: finance.KindDebtAdded, After: first})
	require.NoError(t, err)

	_, err = ledger.Append(ctx, "u1", finance.Event{
		Kind:   finance.KindDebtUpdated,
		Before: finance.FinancialState{}.WithDebt(dec("999")),
		After:  finance.FinancialState{}.WithDebt(dec("50")),
	})

	var chainErr *finance.ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, int64(2), chainErr.EventID)
	assert.ErrorIs(t, err, finance.ErrBrokenChain)
}

func TestLedger_UsersHaveIndependentIds(t *testing.T) {
	ctx := context.Background()
	ledger := finance.NewLedger(store.NewMemory())

	a, err := ledger.Append(ctx, "alice", finance.Event{Kind: finance.KindDebtAdded, After: finance.FinancialState{}.WithDebt(dec("1"))})
	require.NoError(t, err)
	b, err := ledger.Append(ctx, "bob", finance.Event{Kind: finance.KindDebtAdded, After: finance.FinancialState{}.WithDebt(dec("2"))})
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(1), b.ID)
}

func TestVerifyChain_DetectsGapsAndBrokenSnapshots(t *testing.T) {
	s1 := finance.FinancialState{}.WithDebt(dec("100"))
	s2 := s1.WithDebt(dec("200"))

	gap := []finance.Event{{ID: 1, After: s1}, {ID: 3, Before: s1, After: s2}}
	assert.ErrorIs(t, finance.VerifyChain("u1", gap), finance.ErrBrokenChain)

	broken := []finance.Event{{ID: 1, After: s1}, {ID: 2, Before: s2, After: s2}}
	assert.ErrorIs(t, finance.VerifyChain("u1", broken), finance.ErrBrokenChain)

	assert.NoError(t, finance.VerifyChain("u1", nil))
}

func TestMemoryStore_RejectsDuplicateEventID(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	require.NoError(t, s.AppendEvent(ctx, "u1", finance.Event{ID: 1, Kind: finance.KindDebtAdded}))
	err := s.AppendEvent(ctx, "u1", finance.Event{ID: 1, Kind: finance.KindDebtAdded})

	assert.ErrorIs(t, err, finance.ErrDuplicateEventID)
}

func TestMemoryStore_RoundTripsDecimals(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	state := finance.FinancialState{}.WithDebt(dec("1200")).WithTargetMonths(6)

	require.NoError(t, s.SaveFinancialState(ctx, "u1", state))
	got, err := s.LoadFinancialState(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, got.Equal(state))
	assert.Equal(t, state.DailyPace.Decimal.String(), got.DailyPace.Decimal.String())

	missing, err := s.LoadFinancialState(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, decimal.NullDecimal{}, missing.TotalDebt)
}

func TestTxMemory_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := store.NewTxMemory()

	err := s.WithTx(ctx, func(tx finance.Store) error {
		require.NoError(t, tx.SaveFinancialState(ctx, "u1", finance.FinancialState{}.WithDebt(dec("10"))))
		require.NoError(t, tx.AppendEvent(ctx, "u1", finance.Event{ID: 1}))
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	got, _ := s.LoadFinancialState(ctx, "u1")
	assert.False(t, got.HasDebt())
	assert.Equal(t, 0, ledgerLen(t, s, "u1"))
	users, _ := s.ListUsers(ctx)
	assert.Empty(t, users)
}
