package assistant_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lifeos/decision-engine/assistant"
	"github.com/lifeos/decision-engine/finance"
	"github.com/lifeos/decision-engine/finance/store"
	"github.com/lifeos/decision-engine/llm"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

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

// fakeCompleter answers from a script. With an empty script it answers "ok".
type fakeCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
	last    []llm.Message
}

func (f *fakeCompleter) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = msgs
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "ok", nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store *store.TxMemory
	guard *finance.Guard
	clock *fakeClock
	llm   *fakeCompleter
	o     *assistant.Orchestrator
}

func newHarness(t *testing.T, replies ...string) *harness {
	t.Helper()
	h := &harness{
		store: store.NewTxMemory(),
		clock: &fakeClock{now: t0},
		llm:   &fakeCompleter{replies: replies},
	}
	h.guard = finance.NewGuard(h.store, finance.WithClock(h.clock.Now))
	h.o = assistant.New(h.store, h.guard, assistant.WithCompleter(h.llm))
	return h
}

func (h *harness) say(t *testing.T, userID, utterance string) assistant.Reply {
	t.Helper()
	r, err := h.o.Handle(context.Background(), userID, utterance)
	require.NoError(t, err)
	return r
}

func (h *harness) financial(t *testing.T, userID string) finance.FinancialState {
	t.Helper()
	fin, err := h.store.LoadFinancialState(context.Background(), userID)
	require.NoError(t, err)
	return fin
}

func (h *harness) conversation(t *testing.T, userID string) finance.ConversationState {
	t.Helper()
	conv, err := h.store.LoadConversation(context.Background(), userID)
	require.NoError(t, err)
	return conv
}

func (h *harness) events(t *testing.T, userID string) []finance.Event {
	t.Helper()
	events, err := h.store.LoadEvents(context.Background(), userID)
	require.NoError(t, err)
	return events
}

func (h *harness) memory(t *testing.T, userID string) finance.Memory {
	t.Helper()
	mem, err := h.store.LoadMemory(context.Background(), userID)
	require.NoError(t, err)
	return mem
}

// seed commits next as the user's state.
func (h *harness) seed(t *testing.T, userID string, next finance.FinancialState) {
	t.Helper()
	_, err := h.guard.Commit(context.Background(), userID, finance.Mutation{
		Kind:     finance.KindDebtAdded,
		Amount:   next.TotalDebt,
		Expected: h.financial(t, userID),
		Next:     next,
	})
	require.NoError(t, err)
}

func (h *harness) seedDebt(t *testing.T, userID, amount string) {
	h.seed(t, userID, finance.FinancialState{}.WithDebt(dec(amount)).WithPhase(finance.PhaseStopBleeding))
}

func (h *harness) seedMemory(t *testing.T, userID string, msgs ...finance.Message) {
	t.Helper()
	require.NoError(t, h.store.SaveMemory(context.Background(), userID, finance.Memory{}.Append(msgs...)))
}

const sampleStrategy = `Here is your personalized plan:
1. Situation analysis: you owe 1200.00 and the card is overdue, so interest is growing every week.
2. Three practical steps: call the bank to renegotiate, cut two subscriptions, set up an automatic transfer.
3. Focus of the month: keep every payment on time and avoid new purchases on credit.
4. Daily goal: set aside 6.67 every day.
Any questions about the plan?`
